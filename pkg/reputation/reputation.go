// Package reputation tracks per-peer interaction history and derives the
// ReputationScore that drives gossip flood control and connection-manager
// pruning (spec §4.8). Each node's view is its own: no gossip of scores,
// no centralization.
package reputation

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// Event is one of the reputation-affecting occurrences named in spec §4.8.
type Event int

const (
	EventDeliveredOnTime Event = iota
	EventDeliveryFailed
	EventSignatureForgery
	EventFloodLimit
	EventProtocolViolation
	EventHighQualityRelay
	EventReplayOrReorder
)

func (e Event) String() string {
	switch e {
	case EventDeliveredOnTime:
		return "DeliveredOnTime"
	case EventDeliveryFailed:
		return "DeliveryFailed"
	case EventSignatureForgery:
		return "SignatureForgery"
	case EventFloodLimit:
		return "FloodLimit"
	case EventProtocolViolation:
		return "ProtocolViolation"
	case EventHighQualityRelay:
		return "HighQualityRelay"
	case EventReplayOrReorder:
		return "ReplayOrReorder"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Tier buckets a composite score into the five bands spec §3 names.
type Tier int

const (
	TierBad Tier = iota
	TierPoor
	TierAverage
	TierGood
	TierExcellent
)

func (t Tier) String() string {
	switch t {
	case TierBad:
		return "bad"
	case TierPoor:
		return "poor"
	case TierAverage:
		return "average"
	case TierGood:
		return "good"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// TierForScore maps a 0..100 composite score to its tier (spec §3:
// excellent ≥80, good ≥60, average ≥40, poor ≥20, bad <20).
func TierForScore(score float64) Tier {
	switch {
	case score >= 80:
		return TierExcellent
	case score >= 60:
		return TierGood
	case score >= 40:
		return TierAverage
	case score >= 20:
		return TierPoor
	default:
		return TierBad
	}
}

// RefillMultiplier is the per-tier token-bucket refill multiplier (spec
// §4.8). Boundary test (spec §8): exactly 0.1 for [0,20), 2.0 for [80,100],
// 1.0 at score==50.
func (t Tier) RefillMultiplier() float64 {
	switch t {
	case TierExcellent:
		return 2.0
	case TierGood:
		return 1.5
	case TierAverage:
		return 1.0
	case TierPoor:
		return 0.5
	default:
		return 0.1
	}
}

// factorWeights are the §3 weighted factors composing the overall score.
const (
	weightDeliveryRate       = 0.30
	weightUptime             = 0.25
	weightMessageQuality     = 0.20
	weightResponseTime       = 0.15
	weightProtocolCompliance = 0.10
)

// halfLife is REPUTATION_HALF_LIFE (spec §4.8 default 24h), the EMA time
// constant each factor updates under.
const halfLife = 24 * time.Hour

// neutralScore is the starting value for every factor of a never-seen peer:
// average, neither trusted nor distrusted.
const neutralScore = 50.0

// peerRecord mirrors internal/reputation's PeerRecord, generalized with the
// five weighted factors spec §3 defines in place of a single ad-hoc score.
type peerRecord struct {
	PeerID             string         `json:"peer_id"`
	FirstSeen          time.Time      `json:"first_seen"`
	LastSeen           time.Time      `json:"last_seen"`
	ConnectionCount    int            `json:"connection_count"`
	PathTypes          map[string]int `json:"path_types"`
	DeliveryRate       float64        `json:"delivery_rate"`
	Uptime             float64        `json:"uptime"`
	MessageQuality     float64        `json:"message_quality"`
	ResponseTime       float64        `json:"response_time"`
	ProtocolCompliance float64        `json:"protocol_compliance"`
}

func newPeerRecord(id identity.PeerId) *peerRecord {
	return &peerRecord{
		PeerID:             id.String(),
		FirstSeen:          time.Now(),
		PathTypes:          make(map[string]int),
		DeliveryRate:       neutralScore,
		Uptime:             neutralScore,
		MessageQuality:     neutralScore,
		ResponseTime:       neutralScore,
		ProtocolCompliance: neutralScore,
	}
}

func (r *peerRecord) composite() float64 {
	return r.DeliveryRate*weightDeliveryRate +
		r.Uptime*weightUptime +
		r.MessageQuality*weightMessageQuality +
		r.ResponseTime*weightResponseTime +
		r.ProtocolCompliance*weightProtocolCompliance
}

// emaStep moves current toward target with a step size derived from elapsed
// time and halfLife: after exactly one half-life, half the remaining
// distance to target has been covered.
func emaStep(current, target float64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Second
	}
	alpha := 1 - math.Pow(2, -float64(elapsed)/float64(halfLife))
	return current + (target-current)*alpha
}

// Store is the single process-wide owner of reputation state (spec §9
// "single owner, read-only handles to consumers"). All mutation goes
// through RecordEvent/RecordConnection; reads take the store's read lock.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]*peerRecord
	buckets map[string]*TokenBucket
	global  *TokenBucket

	globalCapacity   float64
	globalRefillRate float64
	peerCapacity     float64
	peerRefillRate   float64
}

// NewStore creates a reputation store, optionally persisted at path (empty
// path disables persistence). perPeerRefillRate and globalRefillRate are
// the sustained per-second rates at reputation multiplier 1.0 (spec §6
// per_peer_rate_limit default 10 msg/s; global default 1000 msg/s).
func NewStore(path string, perPeerCapacity, perPeerRefillRate, globalCapacity, globalRefillRate float64) *Store {
	s := &Store{
		path:             path,
		records:          make(map[string]*peerRecord),
		buckets:          make(map[string]*TokenBucket),
		peerCapacity:     perPeerCapacity,
		peerRefillRate:   perPeerRefillRate,
		globalCapacity:   globalCapacity,
		globalRefillRate: globalRefillRate,
		global:           NewTokenBucket(globalCapacity, globalRefillRate),
	}
	if path != "" {
		_ = s.Load()
	}
	return s
}

func (s *Store) recordLocked(id identity.PeerId) *peerRecord {
	key := id.String()
	r, ok := s.records[key]
	if !ok {
		r = newPeerRecord(id)
		s.records[key] = r
	}
	return r
}

func (s *Store) bucketLocked(id identity.PeerId) *TokenBucket {
	key := id.String()
	b, ok := s.buckets[key]
	if !ok {
		b = NewTokenBucket(s.peerCapacity, s.peerRefillRate)
		s.buckets[key] = b
	}
	return b
}

// RecordEvent applies a reputation event to the peer's weighted factors.
func (s *Store) RecordEvent(id identity.PeerId, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(id)
	now := time.Now()
	elapsed := now.Sub(r.LastSeen)
	r.LastSeen = now

	switch ev {
	case EventDeliveredOnTime:
		r.DeliveryRate = emaStep(r.DeliveryRate, 100, elapsed)
	case EventDeliveryFailed:
		r.DeliveryRate = emaStep(r.DeliveryRate, 0, elapsed)
	case EventHighQualityRelay:
		r.MessageQuality = emaStep(r.MessageQuality, 100, elapsed)
	case EventSignatureForgery:
		r.ProtocolCompliance = emaStep(r.ProtocolCompliance, 0, elapsed)
		r.MessageQuality = emaStep(r.MessageQuality, 0, elapsed)
	case EventFloodLimit:
		r.ProtocolCompliance = emaStep(r.ProtocolCompliance, 20, elapsed)
	case EventProtocolViolation, EventReplayOrReorder:
		r.ProtocolCompliance = emaStep(r.ProtocolCompliance, 0, elapsed)
	}

	s.updateBucketMultiplierLocked(id, r)
}

// RecordConnection updates uptime/response-time factors from an observed
// connection, generalizing internal/reputation's RecordConnection latency
// tracking into the §3 weighted-factor model.
func (s *Store) RecordConnection(id identity.PeerId, pathType string, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(id)
	now := time.Now()
	elapsed := now.Sub(r.LastSeen)
	if r.ConnectionCount == 0 {
		elapsed = time.Hour // first contact: don't let tiny elapsed suppress the step
	}
	r.LastSeen = now
	r.ConnectionCount++
	if pathType != "" {
		r.PathTypes[pathType]++
	}
	r.Uptime = emaStep(r.Uptime, 100, elapsed)

	if latencyMs > 0 {
		// Lower latency is better; map to a 0..100 quality score saturating
		// at 1000ms (arbitrarily bad) and 0ms (perfect).
		quality := 100 - latencyMs/10
		if quality < 0 {
			quality = 0
		}
		if quality > 100 {
			quality = 100
		}
		r.ResponseTime = emaStep(r.ResponseTime, quality, elapsed)
	}
	s.updateBucketMultiplierLocked(id, r)
}

func (s *Store) updateBucketMultiplierLocked(id identity.PeerId, r *peerRecord) {
	b := s.bucketLocked(id)
	tier := TierForScore(r.composite())
	b.SetMultiplier(tier.RefillMultiplier())
}

// Score returns the peer's current composite reputation, or neutralScore
// for a peer with no recorded history.
func (s *Store) Score(id identity.PeerId) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id.String()]
	if !ok {
		return neutralScore
	}
	return r.composite()
}

// Tier returns the peer's current tier.
func (s *Store) Tier(id identity.PeerId) Tier {
	return TierForScore(s.Score(id))
}

// CheckRate consumes priority.Cost() tokens from both the peer's bucket and
// the global bucket (spec §4.3/§4.8), denying if either is exhausted. The
// peer bucket is reserved first, and if the global bucket then denies, the
// peer reservation is refunded, so a peer starved of its own budget never
// drains shared global capacity, and a request is never forwarded without
// having actually debited both buckets. Each bucket's reserve-then-commit
// step is atomic under that bucket's own lock (TokenBucket.reserve), so two
// concurrent CheckRate calls against the same peer can never both observe
// available tokens and only one of them debit them.
func (s *Store) CheckRate(id identity.PeerId, priority Priority) bool {
	s.mu.Lock()
	bucket := s.bucketLocked(id)
	global := s.global
	s.mu.Unlock()

	n := priority.Cost()
	bucketOK, cancelBucket := bucket.reserve(n)
	if !bucketOK {
		return false
	}
	globalOK, _ := global.reserve(n)
	if !globalOK {
		cancelBucket()
		return false
	}
	return true
}

// Count returns the number of peers tracked.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Load reads persisted history from disk (best-effort; grounded on
// internal/reputation.PeerHistory.Load).
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reputation: read history: %w", err)
	}
	var records map[string]*peerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("reputation: parse history: %w", err)
	}
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

// Save writes history to disk atomically via temp file + rename.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.records, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("reputation: marshal history: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("reputation: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("reputation: rename temp file: %w", err)
	}
	return nil
}
