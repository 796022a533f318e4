package simnet

import (
	"context"
	"fmt"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/session"
)

// Dialer implements connmgr.Dialer entirely in memory on behalf of one
// Node: it looks up the destination Node in the shared Network, computes
// the nat.Strategy the two simulated NAT placements would select, pipes a
// net.Pipe connection through (skipping the direct/hole-punch/TURN path
// selection pkg/transport.Transport performs, since there is no real
// socket to route), and runs the real Noise-XX handshake over it — the
// same contract pkg/transport.Transport.Dial fulfills for a live network.
type Dialer struct {
	net   *Network
	local *Node
}

// NewDialer builds a Dialer that dials out as local within ntw.
func NewDialer(ntw *Network, local *Node) *Dialer {
	return &Dialer{net: ntw, local: local}
}

// Dial implements connmgr.Dialer.
func (d *Dialer) Dial(ctx context.Context, info dht.PeerInfo) (*session.Session, nat.Strategy, error) {
	dest, ok := d.net.Lookup(info.PeerID)
	if !ok {
		return nil, nat.StrategyDirect, ErrPeerUnknown
	}

	strategy := nat.SelectStrategy(d.local.NAT, dest.NAT)

	conn, err := d.net.dial(d.local.PeerID(), dest)
	if err != nil {
		return nil, strategy, fmt.Errorf("simnet: dial %s: %w", info.PeerID, err)
	}

	sess, err := session.Handshake(ctx, conn, d.local.KeyPair, info.PeerID, true)
	if err != nil {
		conn.Close()
		return nil, strategy, fmt.Errorf("simnet: handshake with %s: %w", info.PeerID, err)
	}
	return sess, strategy, nil
}

// AcceptLoop runs the responder side of the Noise-XX handshake for every
// inbound pipe local.Accept() produces, delivering completed sessions on
// out, mirroring pkg/transport.Transport.acceptLoop/completeInbound. It
// returns once local is closed; cancelling ctx does not stop the loop, it
// makes handshakes that complete afterwards tear their session down
// instead of delivering it.
func (d *Dialer) AcceptLoop(ctx context.Context, out chan<- *session.Session) {
	for {
		conn, err := d.local.Accept()
		if err != nil {
			return
		}
		go func() {
			sess, err := session.Handshake(ctx, conn, d.local.KeyPair, identity.PeerId{}, false)
			if err != nil {
				conn.Close()
				return
			}
			select {
			case out <- sess:
			case <-ctx.Done():
				sess.TearDown()
			}
		}()
	}
}
