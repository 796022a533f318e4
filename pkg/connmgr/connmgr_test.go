package connmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/reputation"
	"github.com/dchat-net/dchat/pkg/session"
)

// handshakePair builds a real, in-memory *session.Session pair over
// net.Pipe, the same fixture pattern pkg/session's own tests use.
func handshakePair(t *testing.T) (client, server *session.Session) {
	t.Helper()
	a, b := net.Pipe()

	clientKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}
	serverKP, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}

	var wg sync.WaitGroup
	var clientSess, serverSess *session.Session
	var clientErr, serverErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSess, clientErr = session.Handshake(context.Background(), a, clientKP, serverKP.PeerID(), true)
	}()
	go func() {
		defer wg.Done()
		serverSess, serverErr = session.Handshake(context.Background(), b, serverKP, identity.PeerId{}, false)
	}()
	wg.Wait()
	if clientErr != nil {
		t.Fatalf("client handshake: %v", clientErr)
	}
	if serverErr != nil {
		t.Fatalf("server handshake: %v", serverErr)
	}
	return clientSess, serverSess
}

// fakeDialer hands out a fresh handshaken session pair for every Dial call,
// discarding the server side (tests only exercise the Manager's client
// view). pathFor lets individual tests control which nat.Strategy a given
// peer "arrives" over.
type fakeDialer struct {
	mu      sync.Mutex
	fail    map[identity.PeerId]bool
	pathFor map[identity.PeerId]nat.Strategy
	dials   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{fail: map[identity.PeerId]bool{}, pathFor: map[identity.PeerId]nat.Strategy{}}
}

func (d *fakeDialer) Dial(ctx context.Context, info dht.PeerInfo) (*session.Session, nat.Strategy, error) {
	d.mu.Lock()
	d.dials++
	fail := d.fail[info.PeerID]
	path := d.pathFor[info.PeerID]
	d.mu.Unlock()
	if fail {
		return nil, nat.StrategyDirect, errDialFailed
	}
	client, _ := handshakePairFor(ctx, info.PeerID)
	return client, path, nil
}

var errDialFailed = &dialError{"dial failed"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

// handshakePairFor runs a real handshake between two throwaway identities
// and returns both sides; the Manager under test tracks connections by the
// dht.PeerInfo.PeerID passed to Connect, not by the session's own
// negotiated RemotePeer, so the handshake identities here are disposable.
func handshakePairFor(ctx context.Context, _ identity.PeerId) (*session.Session, *session.Session) {
	a, b := net.Pipe()
	clientKP, _ := identity.Generate()
	serverKP, _ := identity.Generate()
	var wg sync.WaitGroup
	var clientSess, serverSess *session.Session
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSess, _ = session.Handshake(ctx, a, clientKP, serverKP.PeerID(), true)
	}()
	go func() {
		defer wg.Done()
		serverSess, _ = session.Handshake(ctx, b, serverKP, identity.PeerId{}, false)
	}()
	wg.Wait()
	return clientSess, serverSess
}

func newTestManager(t *testing.T, dialer Dialer, cfg Config) (*Manager, identity.PeerId) {
	t.Helper()
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	rt := dht.NewRoutingTable(local.PeerID())
	rep := reputation.NewStore("", 100, 1000, 1000, 10000)
	return New(dialer, rt, rep, cfg, nil), local.PeerID()
}

func TestConnectAddsManagedConnection(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())

	peerID := randomPeerID(t)
	conn, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: peerID})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != StateActive {
		t.Fatalf("expected active state, got %s", conn.State())
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 managed connection, got %d", m.Count())
	}
	if _, ok := m.Get(peerID); !ok {
		t.Fatal("Get should find the connected peer")
	}
}

func TestConnectRejectsDuplicate(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())
	peerID := randomPeerID(t)

	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: peerID}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: peerID}); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestAddInboundRegistersSession(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())

	peerID := randomPeerID(t)
	_, serverSess := handshakePair(t)
	conn, err := m.AddInbound(peerID, serverSess, nat.StrategyDirect)
	if err != nil {
		t.Fatalf("AddInbound: %v", err)
	}
	if conn.State() != StateActive {
		t.Fatalf("expected active state, got %s", conn.State())
	}
	if got, ok := m.Get(peerID); !ok || got.Session() != serverSess {
		t.Fatal("Get should find the inbound session")
	}
}

func TestAddInboundRejectsDuplicateActive(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())
	peerID := randomPeerID(t)

	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: peerID}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_, serverSess := handshakePair(t)
	if _, err := m.AddInbound(peerID, serverSess, nat.StrategyDirect); err != ErrAlreadyConnected {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())
	peerID := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: peerID}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Disconnect(peerID); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := m.Get(peerID); ok {
		t.Fatal("peer should no longer be managed after Disconnect")
	}
	if err := m.Disconnect(peerID); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected on second disconnect, got %v", err)
	}
}

func TestMaintainPrunesOverCapacityByScore(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.Target = 2
	cfg.Max = 3
	cfg.MinConnectionAge = 0
	m, _ := newTestManager(t, dialer, cfg)

	var ids []identity.PeerId
	for i := 0; i < 4; i++ {
		id := randomPeerID(t)
		ids = append(ids, id)
		if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	// Make the first peer look idle and therefore the most prunable.
	conn, _ := m.Get(ids[0])
	conn.mu.Lock()
	conn.lastActivity = time.Now().Add(-time.Hour)
	conn.mu.Unlock()

	m.Maintain()
	if m.Count() != cfg.Target {
		t.Fatalf("expected pool pruned to target %d, got %d", cfg.Target, m.Count())
	}
	if _, ok := m.Get(ids[0]); ok {
		t.Fatal("the idle peer should have been pruned first")
	}
}

func TestMaintainNeverPrunesBootstrapOrOnionActive(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.Target = 1
	cfg.Max = 2
	cfg.MinConnectionAge = 0
	m, _ := newTestManager(t, dialer, cfg)

	bootstrapID := randomPeerID(t)
	onionID := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: bootstrapID}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: onionID}); err != nil {
		t.Fatal(err)
	}
	// A third connection pushes the pool over Max so Maintain actually prunes.
	otherID := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: otherID}); err != nil {
		t.Fatal(err)
	}
	m.SetBootstrapPeers([]identity.PeerId{bootstrapID})
	m.MarkOnionActive(onionID)

	m.Maintain()
	if _, ok := m.Get(otherID); ok {
		t.Fatal("the unprotected peer should have been pruned")
	}
	if _, ok := m.Get(bootstrapID); !ok {
		t.Fatal("bootstrap peer must never be pruned")
	}
	if _, ok := m.Get(onionID); !ok {
		t.Fatal("onion-active peer must never be pruned")
	}
}

func TestMaintainSkipsConnectionsYoungerThanMinAge(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.Target = 0
	cfg.Max = 1
	cfg.MinConnectionAge = time.Hour
	m, _ := newTestManager(t, dialer, cfg)

	id := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
		t.Fatal(err)
	}
	secondID := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: secondID}); err != nil {
		t.Fatal(err)
	}

	m.Maintain()
	if m.Count() != 2 {
		t.Fatalf("connections younger than MinConnectionAge must survive pruning, got count %d", m.Count())
	}
}

func TestRecordPongTimeoutFailsAfterThreshold(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.HealthFailThreshold = 3
	m, _ := newTestManager(t, dialer, cfg)
	id := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		m.RecordPongTimeout(id)
		conn, _ := m.Get(id)
		if conn.State() != StateActive {
			t.Fatalf("connection should still be active after %d failures", i+1)
		}
	}
	m.RecordPongTimeout(id)
	conn, _ := m.Get(id)
	if conn.State() != StateFailed {
		t.Fatalf("expected Failed after %d consecutive failures, got %s", cfg.HealthFailThreshold, conn.State())
	}
}

func TestArmPongTimeoutFailsWhenNoPongArrives(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.HealthFailThreshold = 1
	cfg.HealthCheckTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, dialer, cfg)
	id := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
		t.Fatal(err)
	}
	conn, _ := m.Get(id)

	m.armPongTimeout(conn)
	time.Sleep(50 * time.Millisecond)

	if conn.State() != StateFailed {
		t.Fatalf("expected Failed after HealthCheckTimeout with no PONG, got %s", conn.State())
	}
}

func TestArmPongTimeoutCancelledByRecordPong(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultConfig()
	cfg.HealthFailThreshold = 1
	cfg.HealthCheckTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, dialer, cfg)
	id := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
		t.Fatal(err)
	}
	conn, _ := m.Get(id)

	m.armPongTimeout(conn)
	m.RecordPong(id)
	time.Sleep(50 * time.Millisecond)

	if conn.State() != StateActive {
		t.Fatalf("a PONG recorded before the deadline should prevent the timeout failure, got %s", conn.State())
	}
}

func TestRecordPongResetsFailureCount(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())
	id := randomPeerID(t)
	if _, err := m.Connect(context.Background(), dht.PeerInfo{PeerID: id}); err != nil {
		t.Fatal(err)
	}
	m.RecordPongTimeout(id)
	m.RecordPong(id)
	conn, _ := m.Get(id)
	info := conn.info()
	if info.ConsecFailures != 0 {
		t.Fatalf("RecordPong should reset the failure count, got %d", info.ConsecFailures)
	}
}

func TestOnNetworkChangeResetsBackoff(t *testing.T) {
	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())
	id := randomPeerID(t)
	m.reconnMu.Lock()
	m.reconn[id] = &reconnectState{attempts: 2, backoffUntil: time.Now().Add(time.Hour)}
	m.reconnMu.Unlock()

	m.OnNetworkChange()

	m.reconnMu.Lock()
	backoff := m.reconn[id].backoffUntil
	m.reconnMu.Unlock()
	if !backoff.IsZero() {
		t.Fatal("OnNetworkChange should clear pending backoff timers")
	}
}

func TestPruneScoreRanksIdleAndTURNHigher(t *testing.T) {
	w := DefaultScoreWeights
	freshDirect := pruneScore(Info{IdleTime: 0, Path: nat.StrategyDirect}, 0, 50, w)
	idleDirect := pruneScore(Info{IdleTime: time.Minute, Path: nat.StrategyDirect}, 0, 50, w)
	freshTURN := pruneScore(Info{IdleTime: 0, Path: nat.StrategyTURN}, 0, 50, w)

	if idleDirect <= freshDirect {
		t.Fatal("an idle connection should score higher (more prunable) than a fresh one")
	}
	if freshTURN <= freshDirect {
		t.Fatal("a TURN-relayed connection should score higher (more prunable) than a direct one")
	}
}

// TestManagerCloseLeavesNoGoroutines guards the maintenance loop's
// shutdown path: Start spawns maintainLoop and healthCheckLoop, so Close
// must tear both down cleanly.
func TestManagerCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialer := newFakeDialer()
	m, _ := newTestManager(t, dialer, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	for i := 0; i < 3; i++ {
		if _, err := m.Connect(ctx, dht.PeerInfo{PeerID: randomPeerID(t)}); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}

	m.Close()
}

func randomPeerID(t *testing.T) identity.PeerId {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return kp.PeerID()
}
