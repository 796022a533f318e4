package onion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
)

// Config bundles onion.Manager's tunables, all from spec's config table.
type Config struct {
	Lifetime           time.Duration
	PathSelectionRetry int
	CoverTrafficOn     bool
	CoverTrafficRate   float64 // packets/sec, Poisson mean
}

func DefaultConfig() Config {
	return Config{
		Lifetime:           DefaultCircuitLifetime,
		PathSelectionRetry: PathSelectionRetries,
		CoverTrafficOn:     false,
		CoverTrafficRate:   CoverTrafficRate,
	}
}

// Manager implements spec §4.6's onion-routing contract:
// build_circuit/send_via/tear_down, on top of a HopDialer seam for the
// actual network I/O.
type Manager struct {
	local  *identity.KeyPair
	rt     *dht.RoutingTable
	dialer HopDialer
	cfg    Config
	log    *slog.Logger

	mu       sync.Mutex
	circuits map[string]*Circuit
	cancels  map[string]context.CancelFunc
}

func NewManager(local *identity.KeyPair, rt *dht.RoutingTable, dialer HopDialer, cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		local:    local,
		rt:       rt,
		dialer:   dialer,
		cfg:      cfg,
		log:      log,
		circuits: map[string]*Circuit{},
		cancels:  map[string]context.CancelFunc{},
	}
}

// BuildCircuit draws a length-hop path (diverse if diversityRequired) and
// performs the sequential per-hop handshake, returning an Active circuit.
// On any hop failure the circuit is marked Failed and partially-built
// shared secrets are discarded (spec §4.6 contract: build_circuit(length,
// diversity_required) -> Circuit).
func (m *Manager) BuildCircuit(ctx context.Context, length int, diversityRequired bool) (*Circuit, error) {
	if length < MinHops || length > MaxHops {
		return nil, fmt.Errorf("onion: circuit length %d outside [%d,%d]", length, MinHops, MaxHops)
	}

	peers, err := selectPath(m.rt, length, diversityRequired, m.local.PeerID(), m.cfg.PathSelectionRetry)
	if err != nil {
		return nil, err
	}

	path := make([]identity.PeerId, len(peers))
	plan := make([]hopPlan, len(peers))
	for i, p := range peers {
		path[i] = p.PeerID
		addr := ""
		if len(p.Addresses) > 0 {
			addr = p.Addresses[0]
		}
		plan[i] = hopPlan{ID: p.PeerID, Addr: addr}
	}

	c := newCircuit(path, diversityRequired)

	hops, err := buildCircuitHops(ctx, m.local, m.dialer, c.ID, plan)
	if err != nil {
		c.setStatus(StatusFailed)
		return nil, err
	}

	c.mu.Lock()
	c.hops = hops
	c.mu.Unlock()
	c.setStatus(StatusActive)

	lifeCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.circuits[c.ID] = c
	m.cancels[c.ID] = cancel
	m.mu.Unlock()

	go m.watchLifetime(lifeCtx, c)
	if m.cfg.CoverTrafficOn {
		go m.runCoverTraffic(lifeCtx, c, m.cfg.CoverTrafficRate)
	}

	m.log.Info("onion: circuit built", "circuit", c.ID, "hops", len(hops), "diverse", diversityRequired)
	return c, nil
}

// SendVia encodes payload as a Sphinx packet over circuit and forwards it
// to the first hop (spec §4.6 contract: send_via(circuit, payload) ->
// delivery_receipt?). Proof-of-delivery, if requested, is the relay
// protocol's concern (pkg/relay); SendVia only returns the correlation id.
func (m *Manager) SendVia(ctx context.Context, c *Circuit, payload []byte) (*DeliveryReceipt, error) {
	if c.Status() != StatusActive {
		return nil, ErrCircuitNotActive
	}

	c.mu.Lock()
	hops := make([]hopKey, len(c.hops))
	copy(hops, c.hops)
	counter := c.sendCounter
	c.sendCounter++
	c.mu.Unlock()
	if len(hops) == 0 {
		return nil, ErrCircuitClosed
	}

	packet, err := encodeLayers(hops, counter, payload)
	if err != nil {
		return nil, err
	}

	if err := m.dialer.Forward(ctx, c.ID, hops[0].addr, packet); err != nil {
		return nil, fmt.Errorf("onion: forward to first hop: %w", err)
	}

	c.mu.Lock()
	c.bytesSent += uint64(len(payload))
	c.mu.Unlock()

	return &DeliveryReceipt{MessageID: fmt.Sprintf("%s-%d", c.ID, counter)}, nil
}

func (m *Manager) sendCoverPacket(ctx context.Context, c *Circuit) error {
	payload, err := randomCoverPayload()
	if err != nil {
		return err
	}
	_, err = m.SendVia(ctx, c, payload)
	return err
}

// TearDown sends a tear-down control cell and forgets the circuit's local
// state (spec §4.6: "teardown sends a tear-down control cell forward, each
// hop deletes its shared secret").
func (m *Manager) TearDown(ctx context.Context, c *Circuit) error {
	c.setStatus(StatusTearingDown)

	m.mu.Lock()
	cancel, ok := m.cancels[c.ID]
	delete(m.cancels, c.ID)
	delete(m.circuits, c.ID)
	m.mu.Unlock()
	if ok {
		cancel()
	}

	c.mu.Lock()
	firstAddr := ""
	if len(c.hops) > 0 {
		firstAddr = c.hops[0].addr
	}
	c.hops = nil
	c.mu.Unlock()

	c.setStatus(StatusClosed)
	if firstAddr == "" {
		return nil
	}
	if err := m.dialer.Teardown(ctx, c.ID, firstAddr); err != nil {
		return fmt.Errorf("onion: teardown: %w", err)
	}
	return nil
}

// watchLifetime tears the circuit down once it exceeds its configured
// lifetime (spec: "torn down on timeout (default 10 min)").
func (m *Manager) watchLifetime(ctx context.Context, c *Circuit) {
	timer := time.NewTimer(m.cfg.Lifetime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		m.log.Info("onion: circuit reached lifetime limit", "circuit", c.ID)
		_ = m.TearDown(context.Background(), c)
	}
}

// Get returns a tracked circuit by id.
func (m *Manager) Get(id string) (*Circuit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[id]
	return c, ok
}

// Circuits returns every circuit this node currently has open, for
// diagnostics and for a caller that wants to rebuild on failure.
func (m *Manager) Circuits() []*Circuit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Circuit, 0, len(m.circuits))
	for _, c := range m.circuits {
		out = append(out, c)
	}
	return out
}
