package nat

import (
	"fmt"
	"net"

	"github.com/pion/turn/v4"
)

// TURNConfig configures the relay fallback used when either side of a
// connection sits behind a symmetric NAT (spec §4.4).
type TURNConfig struct {
	ServerAddr string
	Username   string
	Password   string
	Realm      string
}

// allocateRelay opens a local UDP socket, authenticates to the configured
// TURN server, and requests a relayed transport address. The returned
// client must be closed once the relay is no longer needed; closing it
// also releases the allocation server-side.
func allocateRelay(cfg TURNConfig) (*turn.Client, net.PacketConn, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, nil, fmt.Errorf("nat: listen for turn client: %w", err)
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: cfg.ServerAddr,
		TURNServerAddr: cfg.ServerAddr,
		Conn:           conn,
		Username:       cfg.Username,
		Password:       cfg.Password,
		Realm:          cfg.Realm,
	})
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nat: create turn client: %w", err)
	}
	if err := client.Listen(); err != nil {
		client.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("nat: turn client listen: %w", err)
	}

	relayConn, err := client.Allocate()
	if err != nil {
		client.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("nat: turn allocate: %w", err)
	}
	return client, relayConn, nil
}
