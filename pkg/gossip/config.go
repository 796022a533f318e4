package gossip

import "time"

// Defaults per spec §4.3/§6.
const (
	DefaultFanout             = 6
	DefaultMeshSize           = 12
	DefaultMaxTTL       uint8 = 32
	DefaultCacheCapacity      = 10000
	DefaultCacheFP            = 0.01
	DefaultCacheTTL           = 5 * time.Minute
	DefaultBloomRotation      = 10 * time.Minute
	DefaultPerPeerRate        = 10.0
	DefaultGlobalRate         = 1000.0
	DefaultRecentSenderWindow = 30 * time.Second
	DefaultSendTimeout        = 10 * time.Second
)

// Config is the gossip_* surface of spec §6's external configuration.
type Config struct {
	// Fanout is gossip_fanout: how many peers receive a freshly published
	// or freshly forwarded message.
	Fanout int
	// MeshSize is gossip_mesh_size: how many peers are kept "primed" as
	// the preferred forwarding pool, refreshed periodically by RefreshMesh
	// (SPEC_FULL.md Open Question decision: fanout and mesh are distinct).
	MeshSize int
	// MaxTTL is gossip_max_ttl, enforced as a hard cap at receive time.
	MaxTTL uint8
	// FloodPublish, when true, targets every connected peer on Broadcast
	// instead of Fanout; flood control still applies to every send.
	FloodPublish bool

	CacheCapacity int
	CacheFP       float64
	CacheTTL      time.Duration
	// BloomRotation is BLOOM_ROTATION_INTERVAL: how often the message
	// cache's bloom filter is rotated into a fresh generation so its
	// false-positive rate doesn't climb unbounded over a long-lived node.
	BloomRotation time.Duration

	// RecentSenderWindow bounds how long a forward to a peer counts as
	// "recently received a message from the same sender" for forwarding
	// peer selection criterion (a) in spec §4.3.
	RecentSenderWindow time.Duration
	// SendTimeout bounds a single forward attempt.
	SendTimeout time.Duration
}

// DefaultConfig returns the spec's default gossip configuration.
func DefaultConfig() Config {
	return Config{
		Fanout:             DefaultFanout,
		MeshSize:           DefaultMeshSize,
		MaxTTL:             DefaultMaxTTL,
		FloodPublish:       false,
		CacheCapacity:      DefaultCacheCapacity,
		CacheFP:            DefaultCacheFP,
		CacheTTL:           DefaultCacheTTL,
		BloomRotation:      DefaultBloomRotation,
		RecentSenderWindow: DefaultRecentSenderWindow,
		SendTimeout:        DefaultSendTimeout,
	}
}
