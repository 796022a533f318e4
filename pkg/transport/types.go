// Package transport implements spec §6's transport capability: the
// "{listen, dial, incoming_streams}" abstraction over authenticated,
// ordered, reliable byte streams, backed by a TCP and a QUIC backend. It
// hands the raw stream it establishes to pkg/session's Noise-XX handshake
// and, for outbound dials, delegates NAT-strategy selection and hole-punch
// or TURN fallback to pkg/nat.Manager — this package only supplies the two
// concrete ways of opening or accepting a byte stream that pkg/nat needs
// from the transport layer (its Dialer seam) and that pkg/connmgr needs
// from this one (its Dialer seam).
package transport

import (
	"context"
	"net"
)

// Backend is one concrete way of opening or accepting a reliable,
// ordered, authenticated byte stream (spec §6: "Implementations may use
// TCP or QUIC; the core does not assume one.").
type Backend interface {
	Name() string
	DialDirect(ctx context.Context, addr string) (net.Conn, error)
	Listen(ctx context.Context, addr string) (Listener, error)
}

// Listener accepts inbound streams on a bound local address.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}
