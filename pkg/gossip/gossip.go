package gossip

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/reputation"
)

// Handler receives locally-delivered gossip messages (subscribe() in
// spec §4.3).
type Handler func(GossipMessage)

// PeerSender delivers a gossip message to a specific connected peer over
// the wire. The connection manager / transport layer supplies the real
// implementation.
type PeerSender interface {
	SendGossip(ctx context.Context, to identity.PeerId, msg GossipMessage) error
}

// ConnectedPeers reports which peers are currently connected, for
// forwarding peer selection.
type ConnectedPeers interface {
	ConnectedPeerIDs() []identity.PeerId
}

// KeyResolver resolves a PeerId to the Ed25519 public key needed to verify
// a message's signature (spec §4.1: "callers that only have a PeerId...
// must resolve the public key via a peerstore").
type KeyResolver interface {
	ResolvePublicKey(id identity.PeerId) (ed25519.PublicKey, bool)
}

// Gossip is the flat broadcast protocol of spec §4.3.
type Gossip struct {
	local   *identity.KeyPair
	cfg     Config
	cache   *MessageCache
	rt      *dht.RoutingTable
	rep     *reputation.Store
	peers   ConnectedPeers
	sender  PeerSender
	keys    KeyResolver
	log     *slog.Logger
	metrics *Metrics

	mu                 sync.RWMutex
	subscribers        []Handler
	recentSenderByPeer map[identity.PeerId]map[identity.PeerId]time.Time

	meshMu sync.RWMutex
	mesh   []identity.PeerId
}

// New creates a Gossip instance. cfg should come from DefaultConfig(),
// overridden as needed; a zero Config is invalid (Fanout/MeshSize/MaxTTL
// would be zero).
func New(local *identity.KeyPair, cfg Config, rt *dht.RoutingTable, rep *reputation.Store, peers ConnectedPeers, sender PeerSender, keys KeyResolver, log *slog.Logger) (*Gossip, error) {
	cache, err := NewMessageCache(cfg.CacheCapacity, cfg.CacheFP, cfg.CacheTTL, cfg.BloomRotation)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gossip{
		local:              local,
		cfg:                cfg,
		cache:              cache,
		rt:                 rt,
		rep:                rep,
		peers:              peers,
		sender:             sender,
		keys:               keys,
		log:                log,
		metrics:            NewMetrics(),
		recentSenderByPeer: make(map[identity.PeerId]map[identity.PeerId]time.Time),
	}, nil
}

// Subscribe registers a handler for locally-delivered messages.
func (g *Gossip) Subscribe(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscribers = append(g.subscribers, h)
}

func (g *Gossip) deliver(m GossipMessage) {
	g.mu.RLock()
	handlers := make([]Handler, len(g.subscribers))
	copy(handlers, g.subscribers)
	g.mu.RUnlock()
	for _, h := range handlers {
		h(m)
	}
}

// Broadcast implements spec §4.3 publish: build a fresh message, insert
// into the local cache so it is never re-accepted as new, then forward to
// fanout peers (or every connected peer under gossip_flood_publish).
func (g *Gossip) Broadcast(ctx context.Context, payload []byte, ttl uint8) GossipMessage {
	if ttl == 0 || ttl > g.cfg.MaxTTL {
		ttl = g.cfg.MaxTTL
	}
	msg := NewGossipMessage(g.local, payload, ttl)
	g.cache.Insert(msg.MessageID)

	mode := "fanout"
	targets := g.cfg.Fanout
	if g.cfg.FloodPublish {
		mode = "flood"
		targets = len(g.peers.ConnectedPeerIDs())
	}
	forward := g.selectForwardPeers(msg.Sender, identity.PeerId{}, targets)
	g.dispatch(forward, msg)
	g.metrics.MessagesPublished.WithLabelValues(mode).Inc()
	return msg
}

// HandleIncoming implements spec §4.3 handle_incoming(from, m), steps 1-5.
func (g *Gossip) HandleIncoming(from identity.PeerId, m GossipMessage) error {
	if g.cache.IsDuplicate(m.MessageID) {
		g.metrics.DuplicatesDropped.Inc()
		return nil
	}

	// SPEC_FULL.md TTL Open Question decision: clamp an out-of-range TTL
	// rather than reject outright, dinging the sender's compliance score.
	if m.TTL > g.cfg.MaxTTL {
		g.rep.RecordEvent(m.Sender, reputation.EventProtocolViolation)
		m = m.withTTL(g.cfg.MaxTTL)
	}
	deliverOnly := m.TTL == 0

	pub, ok := g.keys.ResolvePublicKey(m.Sender)
	if !ok {
		return ErrUnknownSender
	}
	if !m.VerifySignature(pub) {
		g.rep.RecordEvent(m.Sender, reputation.EventSignatureForgery)
		g.metrics.SignatureFailures.Inc()
		return ErrInvalidSignature
	}

	if !g.rep.CheckRate(from, reputation.PriorityNormal) {
		g.rep.RecordEvent(from, reputation.EventFloodLimit)
		g.metrics.RateLimitDenials.WithLabelValues("inbound").Inc()
		return ErrRateLimited
	}

	g.cache.Insert(m.MessageID)
	g.deliver(m)
	if deliverOnly {
		return nil
	}

	forward := g.selectForwardPeers(m.Sender, from, g.forwardCount())
	g.dispatch(forward, m.withTTL(m.TTL-1))
	return nil
}

// forwardCount is spec §4.3 step 5's "fanout−1 peers (excluding from)".
func (g *Gossip) forwardCount() int {
	n := g.cfg.Fanout - 1
	if n < 1 {
		n = 1
	}
	return n
}

type forwardCandidate struct {
	id         identity.PeerId
	reputation float64
	bucket     int
}

// selectForwardPeers implements spec §4.3's forwarding peer selection:
// exclude the message's sender and the immediate relayer, prefer peers
// that have not recently carried a message from the same sender, rank by
// reputation, and diversify across routing-table buckets.
func (g *Gossip) selectForwardPeers(sender, from identity.PeerId, count int) []identity.PeerId {
	if count <= 0 {
		return nil
	}

	g.meshMu.RLock()
	pool := g.mesh
	g.meshMu.RUnlock()
	if len(pool) == 0 {
		pool = g.peers.ConnectedPeerIDs()
	}

	now := time.Now()
	g.mu.RLock()
	recents := g.recentSenderByPeer
	g.mu.RUnlock()

	candidates := make([]forwardCandidate, 0, len(pool))
	var recent []forwardCandidate
	for _, id := range pool {
		if id == sender || (!from.IsZero() && id == from) {
			continue
		}
		c := forwardCandidate{
			id:         id,
			reputation: g.rep.Score(id),
			bucket:     g.rt.BucketIndexFor(id),
		}
		if peerRecents, ok := recents[id]; ok {
			if t, ok := peerRecents[sender]; ok && now.Sub(t) < g.cfg.RecentSenderWindow {
				recent = append(recent, c)
				continue
			}
		}
		candidates = append(candidates, c)
	}
	selected := diversify(candidates, count)
	if len(selected) < count {
		selected = append(selected, diversify(recent, count-len(selected))...)
	}
	return selected
}

// diversify ranks candidates by reputation, then greedily picks one per
// distinct bucket before filling any remaining slots by reputation order
// regardless of bucket repeats.
func diversify(candidates []forwardCandidate, count int) []identity.PeerId {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].reputation > candidates[j].reputation
	})

	selected := make([]identity.PeerId, 0, count)
	chosen := make(map[identity.PeerId]bool, count)
	seenBuckets := make(map[int]bool, count)

	for _, c := range candidates {
		if len(selected) >= count {
			break
		}
		if seenBuckets[c.bucket] {
			continue
		}
		selected = append(selected, c.id)
		chosen[c.id] = true
		seenBuckets[c.bucket] = true
	}
	for _, c := range candidates {
		if len(selected) >= count {
			break
		}
		if chosen[c.id] {
			continue
		}
		selected = append(selected, c.id)
		chosen[c.id] = true
	}
	return selected
}

// dispatch sends msg to each peer in to, consuming flood-control tokens
// per destination so gossip_flood_publish can never bypass rate limiting
// (SPEC_FULL.md Open Question decision). Sends happen on independent
// timeouts detached from the caller's context: a slow or cancelled caller
// must not abort forwards already admitted past flood control.
func (g *Gossip) dispatch(to []identity.PeerId, m GossipMessage) {
	if len(to) == 0 {
		return
	}
	now := time.Now()
	g.mu.Lock()
	for _, id := range to {
		if g.recentSenderByPeer[id] == nil {
			g.recentSenderByPeer[id] = make(map[identity.PeerId]time.Time)
		}
		g.recentSenderByPeer[id][m.Sender] = now
	}
	g.mu.Unlock()

	for _, id := range to {
		id := id
		if !g.rep.CheckRate(id, reputation.PriorityNormal) {
			g.metrics.RateLimitDenials.WithLabelValues("outbound").Inc()
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SendTimeout)
			defer cancel()
			if err := g.sender.SendGossip(ctx, id, m); err != nil {
				g.log.Debug("gossip: forward failed", "peer", id, "error", err)
				g.metrics.ForwardsFailed.Inc()
				return
			}
			g.metrics.ForwardsTotal.Inc()
		}()
	}
}

// RefreshMesh recomputes the steady-state preferred-forwarding pool
// (gossip_mesh_size peers, diversified by reputation and bucket) from
// current connections. Call periodically; selectForwardPeers draws from
// the mesh when populated, falling back to all connected peers otherwise.
func (g *Gossip) RefreshMesh() {
	connected := g.peers.ConnectedPeerIDs()
	candidates := make([]forwardCandidate, 0, len(connected))
	for _, id := range connected {
		candidates = append(candidates, forwardCandidate{
			id:         id,
			reputation: g.rep.Score(id),
			bucket:     g.rt.BucketIndexFor(id),
		})
	}
	mesh := diversify(candidates, g.cfg.MeshSize)
	g.meshMu.Lock()
	g.mesh = mesh
	g.meshMu.Unlock()
	g.metrics.MeshSize.Set(float64(len(mesh)))
}
