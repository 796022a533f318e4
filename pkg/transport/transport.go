package transport

import (
	"context"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/session"
	"github.com/dchat-net/dchat/pkg/wireaddr"
)

// Transport is the concrete spec §6 transport capability. It implements
// nat.Dialer (the seam pkg/nat's Manager uses for the direct-dial leg of
// every strategy) and connmgr.Dialer (the seam pkg/connmgr uses to obtain
// a session-encrypted connection), choosing a TCP or QUIC backend per
// address and handing the resulting raw stream to pkg/session's Noise-XX
// handshake.
//
// The nat.Manager reference is set after construction via SetNATManager:
// the manager itself needs a nat.Dialer at construction time, and this
// Transport is that Dialer, so the two are wired together once both exist
// (see cmd/dchatd's startup sequence).
type Transport struct {
	local *identity.KeyPair
	tcp   *TCPBackend
	quic  *QUICBackend
	nat   *nat.Manager
}

// New builds a Transport. quicBackend may be nil to run TCP-only.
func New(local *identity.KeyPair, quicBackend *QUICBackend) *Transport {
	return &Transport{local: local, tcp: NewTCPBackend(), quic: quicBackend}
}

// SetNATManager completes the wiring described on Transport.
func (t *Transport) SetNATManager(m *nat.Manager) {
	t.nat = m
}

// DialDirect implements nat.Dialer: it opens a raw stream to addr over
// whichever backend addr's transport scheme names, without any NAT
// strategy logic (that is pkg/nat.Manager's job, one layer up).
func (t *Transport) DialDirect(ctx context.Context, addr string) (net.Conn, error) {
	pa, err := wireaddr.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse address %q: %w", addr, err)
	}
	scheme, hostport, err := addrParts(pa.Transport)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "tcp":
		return t.tcp.DialDirect(ctx, hostport)
	case "quic":
		if t.quic == nil {
			return nil, fmt.Errorf("transport: quic backend not configured")
		}
		return t.quic.DialDirect(ctx, hostport)
	default:
		return nil, ErrUnsupportedScheme
	}
}

// Dial implements connmgr.Dialer: it establishes a raw connection — direct,
// hole-punched, or TURN-relayed, per whatever strategy pkg/nat.Manager
// selects for the peer's advertised NAT type — then runs the Noise-XX
// handshake over it. With no nat.Manager set (SetNATManager never called)
// it dials addr directly and reports StrategyDirect.
func (t *Transport) Dial(ctx context.Context, info dht.PeerInfo) (*session.Session, nat.Strategy, error) {
	if len(info.Addresses) == 0 {
		return nil, nat.StrategyDirect, ErrNoAddresses
	}
	addr := info.Addresses[0]

	var (
		conn     net.Conn
		strategy nat.Strategy
		err      error
	)
	if t.nat != nil {
		conn, strategy, err = t.nat.Establish(ctx, info.PeerID, addr, info.Capabilities.NATType)
	} else {
		strategy = nat.StrategyDirect
		conn, err = t.DialDirect(ctx, addr)
	}
	if err != nil {
		return nil, strategy, fmt.Errorf("transport: establish connection to %s: %w", info.PeerID, err)
	}

	sess, err := session.Handshake(ctx, conn, t.local, info.PeerID, true)
	if err != nil {
		conn.Close()
		return nil, strategy, fmt.Errorf("transport: handshake with %s: %w", info.PeerID, err)
	}
	return sess, strategy, nil
}

// IncomingSession pairs an inbound, already-handshaken Session with the
// backend name it arrived over (spec §4.5's connection metrics distinguish
// path type).
type IncomingSession struct {
	Session *session.Session
	Backend string
}

// Bound reports the resolved local addresses of a Listen call, useful
// when the caller asked for an ephemeral port (":0") and needs to learn
// which one was actually bound before advertising it.
type Bound struct {
	TCP  net.Addr
	QUIC net.Addr
}

// Listen opens inbound TCP and/or QUIC listeners (either address may be
// empty to disable that backend) and returns the resolved bound addresses
// plus a channel of completed inbound sessions. Once ctx is cancelled the
// listeners are closed and no further sessions are sent; the channel
// itself is never closed.
func (t *Transport) Listen(ctx context.Context, tcpAddr, quicAddr string) (Bound, <-chan IncomingSession, error) {
	out := make(chan IncomingSession)
	var listeners []Listener
	var bound Bound

	if tcpAddr != "" {
		ln, err := t.tcp.Listen(ctx, tcpAddr)
		if err != nil {
			return Bound{}, nil, err
		}
		listeners = append(listeners, ln)
		bound.TCP = ln.Addr()
		go t.acceptLoop(ctx, ln, "tcp", out)
	}
	if quicAddr != "" {
		if t.quic == nil {
			return Bound{}, nil, fmt.Errorf("transport: quic backend not configured")
		}
		ln, err := t.quic.Listen(ctx, quicAddr)
		if err != nil {
			return Bound{}, nil, err
		}
		listeners = append(listeners, ln)
		bound.QUIC = ln.Addr()
		go t.acceptLoop(ctx, ln, "quic", out)
	}

	go func() {
		<-ctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	return bound, out, nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln Listener, backend string, out chan<- IncomingSession) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		go t.completeInbound(ctx, conn, backend, out)
	}
}

// completeInbound runs the responder side of the Noise-XX handshake; the
// listener does not yet know which peer is dialing in, so it passes the
// zero PeerId and learns the remote identity from the handshake itself
// (spec §4.1, mirrored by session.Handshake's initiator=false contract).
func (t *Transport) completeInbound(ctx context.Context, conn net.Conn, backend string, out chan<- IncomingSession) {
	sess, err := session.Handshake(ctx, conn, t.local, identity.PeerId{}, false)
	if err != nil {
		conn.Close()
		return
	}
	select {
	case out <- IncomingSession{Session: sess, Backend: backend}:
	case <-ctx.Done():
		sess.TearDown()
	}
}

// addrParts extracts the (scheme, host:port) net.Dial args from a parsed
// transport multiaddr by reading out well-known protocol components
// rather than assuming a fixed layout.
func addrParts(t ma.Multiaddr) (scheme, hostport string, err error) {
	var host string
	for _, proto := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, verr := t.ValueForProtocol(proto); verr == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", "", fmt.Errorf("transport: no host component in %s", t)
	}
	if port, verr := t.ValueForProtocol(ma.P_TCP); verr == nil {
		return "tcp", net.JoinHostPort(host, port), nil
	}
	if port, verr := t.ValueForProtocol(ma.P_UDP); verr == nil {
		return "quic", net.JoinHostPort(host, port), nil
	}
	return "", "", ErrUnsupportedScheme
}
