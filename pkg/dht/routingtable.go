package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// BucketRefreshInterval is BUCKET_REFRESH_INTERVAL (spec §4.2 default 1h).
const BucketRefreshInterval = time.Hour

// PeerStaleInterval is PEER_STALE_INTERVAL (spec §4.2), the inactivity
// period after which a peer counts as stale. Nothing in this package acts
// on it: no routine pings or evicts peers once it elapses.
const PeerStaleInterval = 2 * time.Hour

// RoutingTable is the 256-bucket Kademlia table of spec §3/§4.2: exactly
// one exclusive writer at a time, many readers, readers see a consistent
// snapshot (spec §5).
type RoutingTable struct {
	local   identity.PeerId
	buckets [identity.Size * 8]*kbucket
	mu      sync.RWMutex // guards nothing the buckets don't already guard; serializes bucket-index lookups during Insert races at the table level
}

// NewRoutingTable creates an empty table rooted at local.
func NewRoutingTable(local identity.PeerId) *RoutingTable {
	rt := &RoutingTable{local: local}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket()
	}
	return rt
}

func (rt *RoutingTable) bucketIndex(id identity.PeerId) int {
	idx := rt.local.SharedPrefixLen(id)
	if idx >= len(rt.buckets) {
		idx = len(rt.buckets) - 1
	}
	return idx
}

// BucketIndexFor exposes which bucket id falls in relative to local, for
// callers outside this package that need bucket-diversity information (e.g.
// gossip's forwarding peer selection, spec §4.3).
func (rt *RoutingTable) BucketIndexFor(id identity.PeerId) int {
	return rt.bucketIndex(id)
}

// Insert adds or refreshes a peer in its bucket (spec §4.2 insertion rule).
// A nil pinger skips the liveness check and always evicts the oldest entry
// when the bucket is full (used for trusted bootstrap-time inserts).
func (rt *RoutingTable) Insert(ctx context.Context, info PeerInfo, pinger Pinger) error {
	if info.PeerID == rt.local {
		return nil
	}
	b := rt.buckets[rt.bucketIndex(info.PeerID)]
	return b.insert(ctx, info, pinger)
}

// Remove evicts a peer, e.g. after a failed health probe (spec §3
// lifecycle: "evicted by bucket overflow or failed health probe").
func (rt *RoutingTable) Remove(id identity.PeerId) {
	if id == rt.local {
		return
	}
	rt.buckets[rt.bucketIndex(id)].remove(id)
}

// ClosestPeers returns up to k peers ordered by XOR distance to target,
// tie-broken by lexicographic PeerId (spec §4.2).
func (rt *RoutingTable) ClosestPeers(target identity.PeerId, k int) []PeerInfo {
	all := make([]PeerInfo, 0, k*2)
	for _, b := range rt.buckets {
		all = append(all, b.snapshot()...)
	}
	sortByDistance(all, target)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// sortByDistance orders peers by ascending XOR distance to target, tying
// on lexicographic PeerId (spec §4.2 "tie-break on equal XOR distance").
func sortByDistance(peers []PeerInfo, target identity.PeerId) {
	sort.Slice(peers, func(i, j int) bool {
		di := peers[i].PeerID.Distance(target)
		dj := peers[j].PeerID.Distance(target)
		if c := di.Cmp(dj); c != 0 {
			return c < 0
		}
		return peers[i].PeerID.Less(peers[j].PeerID)
	})
}

// Snapshot returns every peer currently known, for routing_table_snapshot().
func (rt *RoutingTable) Snapshot() []PeerInfo {
	out := make([]PeerInfo, 0)
	for _, b := range rt.buckets {
		out = append(out, b.snapshot()...)
	}
	return out
}

// StaleBuckets returns the indices of buckets not refreshed within
// BucketRefreshInterval, for periodic maintenance lookups.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	now := time.Now()
	var stale []int
	for i, b := range rt.buckets {
		b.mu.Lock()
		last := b.lastRefresh
		b.mu.Unlock()
		if now.Sub(last) >= BucketRefreshInterval {
			stale = append(stale, i)
		}
	}
	return stale
}

// MarkRefreshed records that bucketIndex was just refreshed by a lookup.
func (rt *RoutingTable) MarkRefreshed(bucketIndex int) {
	if bucketIndex < 0 || bucketIndex >= len(rt.buckets) {
		return
	}
	b := rt.buckets[bucketIndex]
	b.mu.Lock()
	b.lastRefresh = time.Now()
	b.mu.Unlock()
}

// RandomTargetInBucketRange returns a PeerId that shares exactly
// bucketIndex leading bits with local and then diverges, suitable for the
// bucket-refresh lookup of spec §4.2.
func (rt *RoutingTable) RandomTargetInBucketRange(bucketIndex int) identity.PeerId {
	return randomTargetForBucket(rt.local, bucketIndex)
}
