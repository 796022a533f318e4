package gossip

import (
	"fmt"
	"hash"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/bloomfilter/v2"
)

// cacheEntry records when a message_id was first observed, for TTL
// enforcement on top of the LRU's size-based eviction.
type cacheEntry struct {
	firstSeen time.Time
}

// MessageCache is spec §3's MessageCache: a bloom filter fast negative
// path backed by an LRU that is the authoritative recent set and enforces
// cache_size and TTL (spec §4.3 default 5 min).
//
// The bloom side is kept as two generations, current and previous, rotated
// every rotation interval rather than left to grow forever: a bloom filter
// only ever gains bits, so its false-positive rate climbs monotonically
// until something resets it. Both generations are consulted on lookup (a
// message inserted just before a rotation must still hit); only current is
// written on insert, so previous decays out a full rotation period after
// it stops being current.
type MessageCache struct {
	mu               sync.Mutex
	capacity         uint64
	fpRate           float64
	current          *bloomfilter.Filter
	previous         *bloomfilter.Filter
	rotationInterval time.Duration
	rotatedAt        time.Time
	lru              *lru.Cache
	ttl              time.Duration
}

// NewMessageCache creates a cache sized for approximately capacity entries
// at the given bloom false-positive rate (spec §3 default ~10k, 1%),
// rotating its bloom generation every rotationInterval (spec §9 default
// 10 min; 0 disables rotation).
func NewMessageCache(capacity int, falsePositiveRate float64, ttl, rotationInterval time.Duration) (*MessageCache, error) {
	cap64 := uint64(capacity)
	current, err := bloomfilter.NewOptimal(cap64, falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("gossip: create bloom filter: %w", err)
	}
	previous, err := bloomfilter.NewOptimal(cap64, falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("gossip: create bloom filter: %w", err)
	}
	l, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("gossip: create lru cache: %w", err)
	}
	return &MessageCache{
		capacity:         cap64,
		fpRate:           falsePositiveRate,
		current:          current,
		previous:         previous,
		rotationInterval: rotationInterval,
		rotatedAt:        time.Now(),
		lru:              l,
		ttl:              ttl,
	}, nil
}

func bloomHash(id [32]byte) hash.Hash64 {
	h := fnv.New64a()
	h.Write(id[:])
	return h
}

// rotateLocked swaps current into previous and starts a fresh current
// generation, if rotationInterval has elapsed since the last rotation.
// Must be called with c.mu held.
func (c *MessageCache) rotateLocked() {
	if c.rotationInterval <= 0 || time.Since(c.rotatedAt) < c.rotationInterval {
		return
	}
	fresh, err := bloomfilter.NewOptimal(c.capacity, c.fpRate)
	if err != nil {
		// Sizing parameters were already validated in NewMessageCache, so
		// this can't happen in practice; skip the rotation rather than
		// panic, the stale generations just persist one more interval.
		return
	}
	c.previous = c.current
	c.current = fresh
	c.rotatedAt = time.Now()
}

// IsDuplicate implements spec §4.3 handle_incoming step 1: the message
// only counts as a duplicate if the bloom side (either generation) and the
// LRU agree it was seen before (and the LRU entry has not expired under
// ttl), since the bloom alone can false-positive.
func (c *MessageCache) IsDuplicate(id [32]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked()
	h := bloomHash(id)
	if !c.current.Contains(h) && !c.previous.Contains(h) {
		return false
	}
	v, ok := c.lru.Get(id)
	if !ok {
		return false
	}
	entry := v.(cacheEntry)
	if time.Since(entry.firstSeen) > c.ttl {
		c.lru.Remove(id)
		return false
	}
	return true
}

// Insert records id as seen (spec §4.3 step 5). The bloom side is
// write-only: it cannot be corrected once a collision occurs, which is why
// the LRU remains authoritative for the actual duplicate decision. Only
// the current generation is updated; previous is read-only until it ages
// out on the next rotation.
func (c *MessageCache) Insert(id [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotateLocked()
	c.current.Add(bloomHash(id))
	c.lru.Add(id, cacheEntry{firstSeen: time.Now()})
}

// Len reports the number of entries currently tracked by the LRU half.
func (c *MessageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
