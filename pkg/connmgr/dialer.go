package connmgr

import (
	"context"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/session"
)

// Dialer opens a session-encrypted connection to a peer, choosing a
// transport path. The concrete implementation lives above this package
// (pkg/transport + pkg/nat + the Noise-XX handshake of pkg/session), kept
// behind an interface so connmgr never imports the transport layer
// directly — the same external-dependency seam pkg/dht uses for Pinger
// and pkg/gossip uses for PeerSender.
type Dialer interface {
	Dial(ctx context.Context, info dht.PeerInfo) (*session.Session, nat.Strategy, error)
}
