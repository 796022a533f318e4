package nat

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// HolePunchTimeout bounds a coordinated simultaneous-send attempt before
// falling back to TURN (spec §4.4 default 5s).
const HolePunchTimeout = 5 * time.Second

const holePunchProbeInterval = 250 * time.Millisecond

// PeerEndpoint is what each side learns about the other through the
// rendezvous before punching: a PeerId and the externally observed
// host:port to send probes at.
type PeerEndpoint struct {
	PeerID  identity.PeerId
	Address string
}

// Rendezvous relays each side's observed public endpoint to the other
// through an already-connected bootstrap or DHT peer (spec §4.4).
type Rendezvous interface {
	ExchangeEndpoints(ctx context.Context, via identity.PeerId, local PeerEndpoint) (PeerEndpoint, error)
}

// HolePunch performs the coordinated simultaneous-send of spec §4.4: both
// endpoints address short probes at each other's externally observed
// endpoint; whichever probe arrives first in each direction opens that
// side's NAT binding, after which ordinary traffic flows.
func HolePunch(ctx context.Context, localConn net.PacketConn, remote PeerEndpoint) (net.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, HolePunchTimeout)
	defer cancel()

	remoteAddr, err := net.ResolveUDPAddr("udp4", remote.Address)
	if err != nil {
		return nil, fmt.Errorf("nat: resolve peer address: %w", err)
	}

	probe := make([]byte, 12)
	if _, err := rand.Read(probe); err != nil {
		return nil, fmt.Errorf("nat: generate probe: %w", err)
	}

	done := make(chan net.Addr, 1)
	go func() {
		buf := make([]byte, 64)
		for ctx.Err() == nil {
			_ = localConn.SetReadDeadline(time.Now().Add(holePunchProbeInterval))
			n, addr, err := localConn.ReadFrom(buf)
			if err != nil {
				continue
			}
			if n >= len(probe) {
				select {
				case done <- addr:
				default:
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(holePunchProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ErrHolePunchTimeout
		case addr := <-done:
			return addr, nil
		case <-ticker.C:
			_, _ = localConn.WriteTo(probe, remoteAddr)
		}
	}
}
