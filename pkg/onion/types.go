// Package onion builds and operates layered-encryption circuits across
// relay-capable peers (spec §4.6): path selection with ASN/region
// diversity, sequential per-hop authenticated key exchange, constant-size
// Sphinx packet encoding, and optional cover traffic.
package onion

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dchat-net/dchat/pkg/identity"
)

// Status is a Circuit's lifecycle state (spec §3 Circuit.status).
type Status int

const (
	StatusBuilding Status = iota
	StatusActive
	StatusTearingDown
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusBuilding:
		return "building"
	case StatusActive:
		return "active"
	case StatusTearingDown:
		return "tearing_down"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	// MinHops and MaxHops bound spec §3's "length 3-5" for a Circuit's path.
	MinHops = 3
	MaxHops = 5

	// PathSelectionRetries is the default retry budget for finding a
	// diverse path before BuildCircuit fails with ErrNoDiversePath.
	PathSelectionRetries = 10

	// DefaultCircuitLifetime is the default max circuit age before
	// automatic teardown (spec's config table, onion_circuit_lifetime).
	DefaultCircuitLifetime = 10 * time.Minute

	// SphinxPacketSize is the constant wire size every Sphinx packet is
	// padded to, so packet size carries no information about path length
	// or payload size.
	SphinxPacketSize = 2048

	sphinxVersion = 1
)

// hopKey is the per-hop shared secret derived during circuit construction,
// keyed by circuit_id alongside the relay's PeerId (spec §3
// Circuit.per_hop_shared_secrets).
type hopKey struct {
	peer identity.PeerId
	addr string
	key  []byte // 32-byte AEAD key bound to this hop and this circuit
}

// Circuit is spec §3's Circuit: an ordered path of relay-capable peers with
// a per-hop shared secret established for each, plus lifecycle state.
type Circuit struct {
	ID              string // circuit_id, a UUIDv4
	Path            []identity.PeerId
	DiverseEnforced bool

	mu            sync.Mutex
	hops          []hopKey
	status        Status
	establishedAt time.Time
	createdAt     time.Time
	bytesSent     uint64
	sendCounter   uint64
}

func newCircuit(path []identity.PeerId, diverse bool) *Circuit {
	return &Circuit{
		ID:              uuid.NewString(),
		Path:            path,
		DiverseEnforced: diverse,
		status:          StatusBuilding,
		createdAt:       time.Now(),
	}
}

func (c *Circuit) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Circuit) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	if s == StatusActive && c.establishedAt.IsZero() {
		c.establishedAt = time.Now()
	}
	c.mu.Unlock()
}

// Age reports how long ago the circuit was created, for lifetime-based
// teardown (spec: "torn down on timeout (default 10 min)").
func (c *Circuit) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}

func (c *Circuit) BytesSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent
}

// hopPlan is one planned hop of a circuit being built: the relay's identity
// and address (the address to tunnel extend messages through for hops
// beyond the first).
type hopPlan struct {
	ID   identity.PeerId
	Addr string
}

// DeliveryReceipt is returned by every successful SendVia. Proof of
// delivery is the relay protocol's proof chain (spec §4.7), which onion
// circuits hand off to pkg/relay, so this is just the correlation id
// SendVia produced.
type DeliveryReceipt struct {
	MessageID string
}
