package reputation

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Priority is a message's queueing priority (spec §4.8). Higher-priority
// traffic costs fewer tokens per message, so it is cheapest per unit of
// importance under contention.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

// Cost is the token-bucket price of one message at this priority (spec
// §4.8: Critical=1, High=2, Normal=3, Low=5, Background=10).
func (p Priority) Cost() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 3
	case PriorityLow:
		return 5
	case PriorityBackground:
		return 10
	default:
		return 3
	}
}

// TokenBucket is spec §3's TokenBucket, implemented over golang.org/x/time/
// rate.Limiter: capacity becomes the limiter's burst, and refill_rate ×
// reputation_multiplier becomes its per-second limit, so the lazy
// continuous-time refill required by spec §3 is provided by the limiter
// itself rather than a hand-rolled timer.
type TokenBucket struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	baseRate   float64
	multiplier float64
}

// NewTokenBucket creates a bucket with the given capacity and base
// (multiplier==1.0) refill rate per second.
func NewTokenBucket(capacity, refillRatePerSecond float64) *TokenBucket {
	return &TokenBucket{
		limiter:    rate.NewLimiter(rate.Limit(refillRatePerSecond), int(capacity)),
		baseRate:   refillRatePerSecond,
		multiplier: 1.0,
	}
}

// SetMultiplier adjusts the refill rate by the reputation-tier multiplier
// (spec §4.8: excellent 2.0 ... bad 0.1). Capacity is unchanged.
func (b *TokenBucket) SetMultiplier(m float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.multiplier == m {
		return
	}
	b.multiplier = m
	b.limiter.SetLimitAt(time.Now(), rate.Limit(b.baseRate*m))
}

// Take consumes n tokens, reporting whether they were available. The check
// and the consumption happen under the same critical section, so two
// concurrent callers racing against the same bucket never both see capacity
// and only one of them actually debits it.
func (b *TokenBucket) Take(n int) bool {
	ok, _ := b.reserve(n)
	return ok
}

// reserve atomically checks whether n tokens are available and, if so,
// provisionally consumes them. When ok is true the caller owns the
// reservation: either let it stand (the tokens are spent), or call the
// returned cancel func to refund it in full, restoring the bucket to its
// pre-reserve state. cancel is a no-op once ok is false. This lets CheckRate
// reserve the peer bucket, then the global bucket, and unwind the peer
// reservation if the global one is denied, without either bucket's state
// ever being visible to a third call half-consumed.
func (b *TokenBucket) reserve(n int) (ok bool, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	r := b.limiter.ReserveN(now, n)
	ok = r.OK() && r.DelayFrom(now) == 0
	if !ok {
		r.CancelAt(now)
		return false, func() {}
	}
	return true, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		r.CancelAt(time.Now())
	}
}
