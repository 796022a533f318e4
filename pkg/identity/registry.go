package identity

import (
	"crypto/ed25519"
	"sync"
)

// Registry is the peerstore Verify's doc comment refers to: a
// process-local cache mapping a PeerId to the raw Ed25519 public key
// needed to verify a signature carried by value (a gossip message, a
// relay proof-chain entry) once the session that first proved it has
// long since closed.
type Registry struct {
	mu   sync.RWMutex
	keys map[PeerId]ed25519.PublicKey
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[PeerId]ed25519.PublicKey)}
}

// Put records pub under its own derived PeerId. Safe to call repeatedly
// for the same peer; it overwrites rather than erroring, since reconnects
// are routine.
func (r *Registry) Put(pub ed25519.PublicKey) {
	id := PeerIdFromPublicKey(pub)
	r.mu.Lock()
	r.keys[id] = pub
	r.mu.Unlock()
}

// Get resolves id to its public key, if this node has ever verified it.
func (r *Registry) Get(id PeerId) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[id]
	return pub, ok
}

// ResolvePublicKey adapts Get to pkg/gossip's KeyResolver interface.
func (r *Registry) ResolvePublicKey(id PeerId) (ed25519.PublicKey, bool) {
	return r.Get(id)
}
