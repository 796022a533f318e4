package simnet

import (
	"context"
	"testing"
	"time"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/session"
)

func newTestNode(t *testing.T, ntw *Network, natType nat.NATType) *Node {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return ntw.Register(kp, natType)
}

// TestBootstrapOnEmptyNetwork is spec §8 scenario 1: a node with no
// registered peers dials an unknown PeerId and gets a clean failure, not
// a hang or a panic.
func TestBootstrapOnEmptyNetwork(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATOpenInternet)
	dialer := NewDialer(ntw, a)

	unknown, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err = dialer.Dial(ctx, dht.PeerInfo{PeerID: unknown.PeerID()})
	if err == nil {
		t.Fatal("expected error dialing unregistered peer on empty network")
	}
}

// TestTwoNodeHandshake is spec §8 scenario 2's transport leg: A dials B,
// a real Noise-XX handshake completes over the simulated pipe, and data
// sent by one side decrypts cleanly on the other.
func TestTwoNodeHandshake(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATOpenInternet)
	b := newTestNode(t, ntw, nat.NATOpenInternet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan *session.Session, 1)
	go NewDialer(ntw, b).AcceptLoop(ctx, inbound)

	clientSess, strategy, err := NewDialer(ntw, a).Dial(ctx, dht.PeerInfo{PeerID: b.PeerID()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSess.TearDown()

	if strategy != nat.StrategyDirect {
		t.Errorf("strategy = %v, want StrategyDirect for two open-internet peers", strategy)
	}

	var serverSess *session.Session
	select {
	case serverSess = <-inbound:
		defer serverSess.TearDown()
	case <-time.After(2 * time.Second):
		t.Fatal("server side never completed handshake")
	}

	if err := clientSess.SendData([]byte("hi")); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	typ, payload, err := serverSess.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(payload) != "hi" {
		t.Errorf("payload = %q, want %q", payload, "hi")
	}
	_ = typ
}

// TestSymmetricForcesRelay is spec §8 scenario 5: a Symmetric-NAT peer
// paired with a FullCone peer must select TURN, never a direct or
// hole-punched strategy, regardless of dial direction.
func TestSymmetricForcesRelay(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATSymmetric)
	b := newTestNode(t, ntw, nat.NATFullCone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewDialer(ntw, b).AcceptLoop(ctx, make(chan *session.Session, 1))

	_, strategy, err := NewDialer(ntw, a).Dial(ctx, dht.PeerInfo{PeerID: b.PeerID()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if strategy != nat.StrategyTURN {
		t.Errorf("strategy = %v, want StrategyTURN", strategy)
	}
}

// TestRestrictedConePairSelectsHolePunch is spec §8 scenario 4's strategy
// leg: two RestrictedCone peers should negotiate a hole punch rather than
// falling back to TURN.
func TestRestrictedConePairSelectsHolePunch(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATRestrictedCone)
	b := newTestNode(t, ntw, nat.NATRestrictedCone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewDialer(ntw, b).AcceptLoop(ctx, make(chan *session.Session, 1))

	_, strategy, err := NewDialer(ntw, a).Dial(ctx, dht.PeerInfo{PeerID: b.PeerID()})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if strategy != nat.StrategyHolePunch {
		t.Errorf("strategy = %v, want StrategyHolePunch", strategy)
	}
}

func TestPartitionBlocksDial(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATOpenInternet)
	b := newTestNode(t, ntw, nat.NATOpenInternet)
	ntw.Partition(a.PeerID(), b.PeerID())

	dialer := NewDialer(ntw, a)
	_, _, err := dialer.Dial(context.Background(), dht.PeerInfo{PeerID: b.PeerID()})
	if err == nil {
		t.Fatal("expected error dialing partitioned peer")
	}

	ntw.Heal(a.PeerID(), b.PeerID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewDialer(ntw, b).AcceptLoop(ctx, make(chan *session.Session, 1))

	if _, _, err := dialer.Dial(ctx, dht.PeerInfo{PeerID: b.PeerID()}); err != nil {
		t.Errorf("expected dial to succeed after Heal: %v", err)
	}
}

func TestUnregisterStopsDial(t *testing.T) {
	ntw := New()
	a := newTestNode(t, ntw, nat.NATOpenInternet)
	b := newTestNode(t, ntw, nat.NATOpenInternet)
	ntw.Unregister(b.PeerID())

	_, _, err := NewDialer(ntw, a).Dial(context.Background(), dht.PeerInfo{PeerID: b.PeerID()})
	if err == nil {
		t.Fatal("expected error dialing an unregistered peer")
	}
}

func TestRendezvousExchangesBothEndpoints(t *testing.T) {
	r := NewRendezvous()
	via, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	a, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	type result struct {
		ep  nat.PeerEndpoint
		err error
	}
	aCh := make(chan result, 1)
	go func() {
		ep, err := r.ExchangeEndpoints(context.Background(), via.PeerID(), nat.PeerEndpoint{PeerID: a.PeerID(), Address: "10.0.0.1:1"})
		aCh <- result{ep, err}
	}()

	time.Sleep(20 * time.Millisecond) // let A register first

	bEp, err := r.ExchangeEndpoints(context.Background(), via.PeerID(), nat.PeerEndpoint{PeerID: b.PeerID(), Address: "10.0.0.2:2"})
	if err != nil {
		t.Fatalf("B ExchangeEndpoints: %v", err)
	}
	if bEp.PeerID != a.PeerID() {
		t.Errorf("B learned peer %v, want A %v", bEp.PeerID, a.PeerID())
	}

	select {
	case r := <-aCh:
		if r.err != nil {
			t.Fatalf("A ExchangeEndpoints: %v", r.err)
		}
		if r.ep.PeerID != b.PeerID() {
			t.Errorf("A learned peer %v, want B %v", r.ep.PeerID, b.PeerID())
		}
	case <-time.After(time.Second):
		t.Fatal("A's ExchangeEndpoints never returned")
	}
}
