package connmgr

import (
	"time"

	"github.com/dchat-net/dchat/pkg/nat"
)

// pruneScore computes the composite eviction score of spec §4.5:
// score = w1*idle_time + w2*latency + w3*(-reputation) + w4*is_turn_relayed.
// Higher score prunes first. idle_time and latency are in seconds and
// milliseconds respectively so the default weights land on comparable
// magnitudes; reputation is the 0..100 scale pkg/reputation.Store.Score
// returns.
func pruneScore(info Info, latency time.Duration, reputationScore float64, w ScoreWeights) float64 {
	idleSeconds := info.IdleTime.Seconds()
	latencyMs := float64(latency.Milliseconds())

	turnPenalty := 0.0
	if info.Path == nat.StrategyTURN {
		turnPenalty = 1.0
	}

	return w.IdleTime*idleSeconds +
		w.Latency*latencyMs +
		w.Reputation*(-reputationScore) +
		w.TURNRelay*turnPenalty
}
