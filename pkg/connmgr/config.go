package connmgr

import "time"

// Default pool, health-check, and reconnection tuning (spec §4.5).
const (
	DefaultTarget = 30
	DefaultMax    = 50

	DefaultMinConnectionAge = 60 * time.Second

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 10 * time.Second
	DefaultHealthFailThreshold = 3

	DefaultIdleTimeout = 5 * time.Minute

	DefaultReconnectBackoffBase = 1 * time.Second
	DefaultReconnectBackoffMax  = 5 * time.Minute
	DefaultMaxReconnectAttempts = 10

	// DefaultMaintainInterval is how often Maintain() is invoked by the
	// background loop; spec §4.5 only names maintain() as "called
	// periodically" without a fixed period.
	DefaultMaintainInterval = 10 * time.Second
)

// ScoreWeights are the w1..w4 factors of the composite pruning score:
// score = w1*idle_time + w2*latency + w3*(-reputation) + w4*is_turn_relayed
// (spec §4.5). Higher score prunes first.
type ScoreWeights struct {
	IdleTime   float64
	Latency    float64
	Reputation float64
	TURNRelay  float64
}

// DefaultScoreWeights weights idle time and TURN-relay cost highest, since
// both are strong, cheaply-observed signals that a connection is safe to
// drop; reputation and latency contribute but don't dominate on their own.
var DefaultScoreWeights = ScoreWeights{
	IdleTime:   1.0,
	Latency:    0.01,
	Reputation: 1.0,
	TURNRelay:  50.0,
}

// Config bundles every tunable the Manager needs.
type Config struct {
	Target int
	Max    int

	MinConnectionAge time.Duration

	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	HealthFailThreshold int

	IdleTimeout time.Duration

	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	MaxReconnectAttempts int

	MaintainInterval time.Duration

	Weights ScoreWeights
}

// DefaultConfig returns spec-default tuning.
func DefaultConfig() Config {
	return Config{
		Target:               DefaultTarget,
		Max:                  DefaultMax,
		MinConnectionAge:     DefaultMinConnectionAge,
		HealthCheckInterval:  DefaultHealthCheckInterval,
		HealthCheckTimeout:   DefaultHealthCheckTimeout,
		HealthFailThreshold:  DefaultHealthFailThreshold,
		IdleTimeout:          DefaultIdleTimeout,
		ReconnectBackoffBase: DefaultReconnectBackoffBase,
		ReconnectBackoffMax:  DefaultReconnectBackoffMax,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		MaintainInterval:     DefaultMaintainInterval,
		Weights:              DefaultScoreWeights,
	}
}
