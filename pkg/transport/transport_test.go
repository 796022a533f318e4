package transport

import (
	"context"
	"net"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
)

func mustIdentity(t *testing.T) *identity.KeyPair {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return kp
}

func TestAddrPartsTCP(t *testing.T) {
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/4001")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	scheme, hostport, err := addrParts(addr)
	if err != nil {
		t.Fatalf("addrParts: %v", err)
	}
	if scheme != "tcp" || hostport != "127.0.0.1:4001" {
		t.Fatalf("got (%q, %q)", scheme, hostport)
	}
}

func TestAddrPartsQUIC(t *testing.T) {
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/4001")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	scheme, hostport, err := addrParts(addr)
	if err != nil {
		t.Fatalf("addrParts: %v", err)
	}
	if scheme != "quic" || hostport != "127.0.0.1:4001" {
		t.Fatalf("got (%q, %q)", scheme, hostport)
	}
}

func TestAddrPartsUnsupportedScheme(t *testing.T) {
	addr, err := ma.NewMultiaddr("/ip4/127.0.0.1")
	if err != nil {
		t.Fatalf("NewMultiaddr: %v", err)
	}
	if _, _, err := addrParts(addr); err != ErrUnsupportedScheme {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
}

// TestDialListenTCPHandshake exercises the full listen/dial/handshake path
// over loopback TCP with no nat.Manager configured, the StrategyDirect-only
// degraded mode documented on Transport.Dial.
func TestDialListenTCPHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverID := mustIdentity(t)
	clientID := mustIdentity(t)

	server := New(serverID, nil)
	bound, incoming, err := server.Listen(ctx, "127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := New(clientID, nil)
	info := dht.PeerInfo{
		PeerID:    serverID.PeerID(),
		Addresses: []string{"/ip4/127.0.0.1/tcp/" + portOf(t, bound.TCP)},
	}

	type dialResult struct {
		strategy int
		err      error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		sess, strategy, err := client.Dial(ctx, info)
		if err == nil {
			defer sess.TearDown()
		}
		resultCh <- dialResult{strategy: int(strategy), err: err}
	}()

	select {
	case in := <-incoming:
		if in.Session.RemotePeer != clientID.PeerID() {
			t.Fatalf("server learned wrong remote peer: got %s want %s", in.Session.RemotePeer, clientID.PeerID())
		}
		in.Session.TearDown()
	case <-ctx.Done():
		t.Fatal("timed out waiting for inbound session")
	}

	res := <-resultCh
	if res.err != nil {
		t.Fatalf("Dial: %v", res.err)
	}
}

func portOf(t *testing.T, addr net.Addr) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split host port %s: %v", addr, err)
	}
	return port
}

// TestTransportImplementsSeams is a compile-time style check (via the
// dht.PeerInfo shape) that Transport.Dial's signature lines up with what
// connmgr.Dialer expects: info.Addresses supplies the dial target and
// info.Capabilities.NATType feeds strategy selection.
func TestTransportImplementsSeams(t *testing.T) {
	info := dht.PeerInfo{
		PeerID:    mustIdentity(t).PeerID(),
		Addresses: nil,
	}
	client := New(mustIdentity(t), nil)
	if _, _, err := client.Dial(context.Background(), info); err != ErrNoAddresses {
		t.Fatalf("expected ErrNoAddresses for a peer with no addresses, got %v", err)
	}
}
