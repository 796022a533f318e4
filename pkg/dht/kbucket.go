package dht

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// BucketSize is K (spec §3 default 20).
const BucketSize = 20

// BucketPingTimeout bounds how long a stale-entry liveness check may take
// before the new peer is admitted in its place (spec §4.2).
const BucketPingTimeout = 5 * time.Second

// Pinger checks whether a peer is still reachable. The connection manager
// supplies the real implementation; routing-table code never dials itself.
type Pinger interface {
	Ping(ctx context.Context, id identity.PeerId) bool
}

// kbucket is a bounded FIFO of at most BucketSize PeerInfos sharing a
// prefix-length to the local ID (spec §3). Least-recently-seen is the
// front of the list; most-recently-seen is the back.
type kbucket struct {
	mu          sync.Mutex
	entries     *list.List // list.Element.Value is *PeerInfo
	index       map[identity.PeerId]*list.Element
	lastRefresh time.Time
}

func newKBucket() *kbucket {
	return &kbucket{
		entries: list.New(),
		index:   make(map[identity.PeerId]*list.Element),
	}
}

func (b *kbucket) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// touch moves an existing entry to the back (most-recently-seen) and
// refreshes its LastSeenMonotonic/addresses.
func (b *kbucket) touch(info PeerInfo) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.index[info.PeerID]
	if !ok {
		return false
	}
	existing := el.Value.(*PeerInfo)
	info = info.clone()
	*existing = info
	existing.LastSeenMonotonic = time.Now()
	b.entries.MoveToBack(el)
	return true
}

// insert adds a new peer, evicting the least-recently-seen entry first if
// it fails a liveness ping (spec §4.2 conservative replacement). Returns
// ErrBucketFull if the bucket is full and its oldest entry is still live.
func (b *kbucket) insert(ctx context.Context, info PeerInfo, pinger Pinger) error {
	if b.touch(info) {
		return nil
	}

	b.mu.Lock()
	if b.entries.Len() < BucketSize {
		info = info.clone()
		info.LastSeenMonotonic = time.Now()
		el := b.entries.PushBack(&info)
		b.index[info.PeerID] = el
		b.mu.Unlock()
		return nil
	}
	oldestEl := b.entries.Front()
	oldest := *oldestEl.Value.(*PeerInfo)
	b.mu.Unlock()

	alive := false
	if pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, BucketPingTimeout)
		alive = pinger.Ping(pctx, oldest.PeerID)
		cancel()
	}
	if alive {
		b.mu.Lock()
		b.entries.MoveToBack(oldestEl)
		oldestEl.Value.(*PeerInfo).LastSeenMonotonic = time.Now()
		b.mu.Unlock()
		return ErrBucketFull
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Remove(oldestEl)
	delete(b.index, oldest.PeerID)
	info = info.clone()
	info.LastSeenMonotonic = time.Now()
	el := b.entries.PushBack(&info)
	b.index[info.PeerID] = el
	return nil
}

func (b *kbucket) remove(id identity.PeerId) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el, ok := b.index[id]
	if !ok {
		return
	}
	b.entries.Remove(el)
	delete(b.index, id)
}

func (b *kbucket) snapshot() []PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PeerInfo, 0, b.entries.Len())
	for el := b.entries.Front(); el != nil; el = el.Next() {
		out = append(out, (*el.Value.(*PeerInfo)).clone())
	}
	return out
}

func (b *kbucket) oldest() (PeerInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	el := b.entries.Front()
	if el == nil {
		return PeerInfo{}, false
	}
	return *el.Value.(*PeerInfo), true
}
