package simnet

import (
	"context"
	"sync"

	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
)

// Rendezvous implements nat.Rendezvous in memory: the first of a pair to
// arrive under a given via id waits, the second delivers its endpoint to
// the first and receives the first's endpoint directly in return. It
// stands in for the bootstrap or DHT peer that normally relays the
// exchange (spec §4.4's "rendezvous through bootstrap R").
type Rendezvous struct {
	mu      sync.Mutex
	waiting map[identity.PeerId]*rendezvousSlot
}

type rendezvousSlot struct {
	endpoint nat.PeerEndpoint
	result   chan nat.PeerEndpoint
}

// NewRendezvous creates an empty in-memory rendezvous point.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{waiting: make(map[identity.PeerId]*rendezvousSlot)}
}

// ExchangeEndpoints implements nat.Rendezvous.
func (r *Rendezvous) ExchangeEndpoints(ctx context.Context, via identity.PeerId, local nat.PeerEndpoint) (nat.PeerEndpoint, error) {
	r.mu.Lock()
	if slot, ok := r.waiting[via]; ok {
		delete(r.waiting, via)
		r.mu.Unlock()
		slot.result <- local
		return slot.endpoint, nil
	}

	slot := &rendezvousSlot{endpoint: local, result: make(chan nat.PeerEndpoint, 1)}
	r.waiting[via] = slot
	r.mu.Unlock()

	select {
	case remote := <-slot.result:
		return remote, nil
	case <-ctx.Done():
		return nat.PeerEndpoint{}, ctx.Err()
	}
}
