package connmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/reputation"
	"github.com/dchat-net/dchat/pkg/session"
)

// Manager implements the connect/disconnect/get/maintain contract of spec
// §4.5: a bounded pool of session-encrypted connections, pruned by a
// composite score, health-checked by PING/PONG, and automatically
// reconnected with exponential backoff on failure.
type Manager struct {
	dialer Dialer
	rt     *dht.RoutingTable
	rep    *reputation.Store
	cfg    Config
	log    *slog.Logger
	metrics *Metrics

	mu          sync.RWMutex
	conns       map[identity.PeerId]*Connection
	bootstrap   map[identity.PeerId]bool
	onionActive map[identity.PeerId]bool
	latency     map[identity.PeerId]time.Duration

	reconnMu sync.Mutex
	reconn   map[identity.PeerId]*reconnectState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type reconnectState struct {
	attempts     int
	backoffUntil time.Time
}

// New creates a Manager. rt and rep back the reconnect eligibility check
// (routing-table membership + reputation tier) and the pruning score.
func New(dialer Dialer, rt *dht.RoutingTable, rep *reputation.Store, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		dialer:      dialer,
		rt:          rt,
		rep:         rep,
		cfg:         cfg,
		log:         log,
		metrics:     NewMetrics(),
		conns:       make(map[identity.PeerId]*Connection),
		bootstrap:   make(map[identity.PeerId]bool),
		onionActive: make(map[identity.PeerId]bool),
		latency:     make(map[identity.PeerId]time.Duration),
		reconn:      make(map[identity.PeerId]*reconnectState),
	}
}

// Start launches the background maintenance and health-check loops.
func (m *Manager) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.maintainLoop()
	go m.healthCheckLoop()
	m.log.Info("connmgr: started", "target", m.cfg.Target, "max", m.cfg.Max)
}

// Close stops all background goroutines and waits for them to finish.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// SetBootstrapPeers marks peers that Maintain never prunes (spec §4.5).
func (m *Manager) SetBootstrapPeers(ids []identity.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bootstrap = make(map[identity.PeerId]bool, len(ids))
	for _, id := range ids {
		m.bootstrap[id] = true
	}
}

// MarkOnionActive protects a peer from pruning while it has an active
// onion-circuit hop through it (spec §4.5 "never prune ... peers currently
// in an active onion circuit").
func (m *Manager) MarkOnionActive(id identity.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onionActive[id] = true
}

// UnmarkOnionActive releases the onion-circuit protection.
func (m *Manager) UnmarkOnionActive(id identity.PeerId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.onionActive, id)
}

// Connect implements connect(peer_info): dials the peer if not already
// connected and adds it to the managed pool.
func (m *Manager) Connect(ctx context.Context, info dht.PeerInfo) (*Connection, error) {
	m.mu.RLock()
	existing, ok := m.conns[info.PeerID]
	m.mu.RUnlock()
	if ok && existing.State() == StateActive {
		return nil, ErrAlreadyConnected
	}

	start := time.Now()
	sess, path, err := m.dialer.Dial(ctx, info)
	if err != nil {
		m.metrics.DialTotal.WithLabelValues("failure").Inc()
		return nil, err
	}
	rtt := time.Since(start)

	conn := newConnection(info.PeerID, sess, path)
	m.mu.Lock()
	m.conns[info.PeerID] = conn
	m.latency[info.PeerID] = rtt
	m.mu.Unlock()

	m.metrics.DialTotal.WithLabelValues("success").Inc()
	m.metrics.ActiveConnections.Set(float64(m.Count()))
	if m.rep != nil {
		m.rep.RecordConnection(info.PeerID, path.String(), float64(rtt.Milliseconds()))
	}
	m.log.Info("connmgr: connected", "peer", info.PeerID, "path", path)
	return conn, nil
}

// AddInbound registers a session this node did not dial - one handed to
// cmd/dchatd's accept loop by pkg/transport.Transport.Listen - under the
// same pool Connect populates, so health checks, pruning, and RPC routing
// treat inbound and outbound connections identically. It replaces an
// existing non-active entry for id but, like Connect, refuses to clobber
// an already-active connection.
func (m *Manager) AddInbound(id identity.PeerId, sess *session.Session, path nat.Strategy) (*Connection, error) {
	m.mu.RLock()
	existing, ok := m.conns[id]
	m.mu.RUnlock()
	if ok && existing.State() == StateActive {
		return nil, ErrAlreadyConnected
	}

	conn := newConnection(id, sess, path)
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()

	m.metrics.ActiveConnections.Set(float64(m.Count()))
	m.log.Info("connmgr: inbound connection accepted", "peer", id, "path", path)
	return conn, nil
}

// Disconnect implements disconnect(peer_id): tears down the session and
// removes the peer from the pool.
func (m *Manager) Disconnect(id identity.PeerId) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	conn.mu.Lock()
	conn.state = StateClosed
	conn.mu.Unlock()
	_ = conn.sess.TearDown()
	m.metrics.ActiveConnections.Set(float64(m.Count()))
	return nil
}

// Get implements get(peer_id) → handle.
func (m *Manager) Get(id identity.PeerId) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Count returns the number of managed connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Snapshot returns a read-only view of every managed connection.
func (m *Manager) Snapshot() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c.info())
	}
	return out
}

// OnNetworkChange resets every pending reconnect backoff, so the next
// maintain tick retries immediately instead of waiting out the exponential
// schedule (SPEC_FULL.md supplemental feature, grounded in
// PeerManager.OnNetworkChange).
func (m *Manager) OnNetworkChange() {
	m.reconnMu.Lock()
	defer m.reconnMu.Unlock()
	for _, st := range m.reconn {
		st.backoffUntil = time.Time{}
	}
	m.log.Info("connmgr: backoffs reset (network change)")
}

func (m *Manager) maintainLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MaintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Maintain()
			m.runReconnectCycle()
		}
	}
}
