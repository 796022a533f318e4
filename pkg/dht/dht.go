package dht

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dchat-net/dchat/pkg/identity"
)

// Alpha is DHT_ALPHA, the lookup concurrency (spec §6 default 3).
const Alpha = 3

// LookupTimeout bounds a single find_peer call end to end (spec §5: 30s).
const LookupTimeout = 30 * time.Second

// NodeQuerier sends FIND_NODE(target) to a peer and returns what it knows.
// The transport/session layer supplies the real implementation; this
// package only drives the iterative algorithm.
type NodeQuerier interface {
	FindNode(ctx context.Context, to identity.PeerId, target identity.PeerId) ([]PeerInfo, error)
}

// DHT is the Kademlia component of spec §4.2.
type DHT struct {
	local   identity.PeerId
	rt      *RoutingTable
	querier NodeQuerier
	pinger  Pinger
	log     *slog.Logger
}

// New creates a DHT rooted at local. querier performs the wire FIND_NODE
// RPC; pinger performs bucket-liveness checks (both supplied by the
// connection manager / transport layer).
func New(local identity.PeerId, querier NodeQuerier, pinger Pinger, log *slog.Logger) *DHT {
	return NewWithRoutingTable(NewRoutingTable(local), local, querier, pinger, log)
}

// NewWithRoutingTable is New, but bound to a routing table the caller
// already constructed instead of a fresh one. cmd/dchatd uses this so the
// same table instance backs pkg/connmgr's reconnect-eligibility check and
// pkg/onion's path selection as the one FindPeer/Bootstrap populate,
// rather than three independently-drifting views of the same peer set.
func NewWithRoutingTable(rt *RoutingTable, local identity.PeerId, querier NodeQuerier, pinger Pinger, log *slog.Logger) *DHT {
	if log == nil {
		log = slog.Default()
	}
	return &DHT{
		local:   local,
		rt:      rt,
		querier: querier,
		pinger:  pinger,
		log:     log,
	}
}

// RoutingTable exposes the underlying table for the connection manager and
// gossip's forwarding-diversity peer selection.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// RoutingTableSnapshot implements routing_table_snapshot().
func (d *DHT) RoutingTableSnapshot() []PeerInfo {
	return d.rt.Snapshot()
}

// FindPeer implements the iterative find_peer(target) lookup of spec §4.2:
// maintain a shortlist of the α closest unqueried peers, query them in
// parallel, merge responses, and repeat until a full round yields no peer
// closer than before or the K-closest shortlist is fully queried.
func (d *DHT) FindPeer(ctx context.Context, target identity.PeerId) ([]PeerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, LookupTimeout)
	defer cancel()

	sl := newShortlist(target)
	sl.merge(d.rt.ClosestPeers(target, BucketSize))

	for {
		before := sl.closestDistance()

		candidates := sl.closestUnqueried(BucketSize, Alpha)
		if len(candidates) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range candidates {
			c := c
			sl.markQueried(c.PeerID)
			g.Go(func() error {
				peers, err := d.querier.FindNode(gctx, c.PeerID, target)
				if err != nil {
					// Isolated peer timeouts are tolerated (spec §4.2
					// failure semantics); the lookup proceeds with
					// whatever else responds.
					d.log.Debug("dht: find_node query failed", "peer", c.PeerID, "error", err)
					return nil
				}
				sl.merge(peers)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return sl.closestK(BucketSize), err
		}

		if sl.allQueried() {
			break
		}
		after := sl.closestDistance()
		if before != nil && after != nil && after.Cmp(before) >= 0 {
			// A full round produced no peer closer than the previous best.
			break
		}
	}

	return sl.closestK(BucketSize), nil
}

// Bootstrap connects to the configured seed peers, inserts them as trusted
// (no liveness ping required — they were just configured by the operator),
// then performs find_peer(local) to populate nearby buckets and one
// find_peer(random_target) per distant bucket range (spec §4.2). A
// bootstrap failure is never fatal: the node may start isolated.
func (d *DHT) Bootstrap(ctx context.Context, seeds []PeerInfo) error {
	if len(seeds) == 0 {
		return ErrNoSeeds
	}
	for _, s := range seeds {
		if err := d.rt.Insert(ctx, s, nil); err != nil {
			d.log.Debug("dht: bootstrap seed insert", "peer", s.PeerID, "error", err)
		}
	}

	if _, err := d.FindPeer(ctx, d.local); err != nil {
		d.log.Warn("dht: bootstrap self-lookup failed", "error", err)
	}

	for i := 0; i < len(d.rt.buckets); i++ {
		target := d.rt.RandomTargetInBucketRange(i)
		if _, err := d.FindPeer(ctx, target); err != nil {
			d.log.Debug("dht: bootstrap bucket refresh failed", "bucket", i, "error", err)
			continue
		}
		d.rt.MarkRefreshed(i)
	}
	return nil
}

// Announce advertises self to the network by performing a find_peer(local)
// lookup, which as a side effect inserts self into nearby peers' tables
// once they receive the FIND_NODE request (spec §4.2 "announce").
func (d *DHT) Announce(ctx context.Context) error {
	_, err := d.FindPeer(ctx, d.local)
	return err
}

// RefreshStaleBuckets performs the periodic bucket-refresh lookups of
// spec §4.2 maintenance; call from a ticker at, e.g., BucketRefreshInterval/4.
func (d *DHT) RefreshStaleBuckets(ctx context.Context) {
	for _, i := range d.rt.StaleBuckets() {
		target := d.rt.RandomTargetInBucketRange(i)
		if _, err := d.FindPeer(ctx, target); err != nil {
			d.log.Debug("dht: bucket refresh failed", "bucket", i, "error", err)
			continue
		}
		d.rt.MarkRefreshed(i)
	}
}
