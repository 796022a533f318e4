package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the unified configuration for a dchat node. A single
// binary (cmd/dchatd) reads one of these; whether the node also acts as
// an onion relay is controlled by Relay.Enabled rather than by running a
// separate daemon.
type NodeConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity"`
	Network   NetworkConfig   `yaml:"network"`
	DHT       DHTConfig       `yaml:"dht"`
	Gossip    GossipConfig    `yaml:"gossip"`
	ConnPool  ConnPoolConfig  `yaml:"connection_pool"`
	NAT       NATConfig       `yaml:"nat"`
	Relay     RelayConfig     `yaml:"relay"`
	Session   SessionConfig   `yaml:"session"`
	Onion     OnionConfig     `yaml:"onion"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Security  SecurityConfig  `yaml:"security"`
	CLI       CLIConfig       `yaml:"cli,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// Config is an alias retained for callers that loaded the unified
// structure under its older name.
type Config = NodeConfig

// CLIConfig holds settings for CLI subcommand behavior.
type CLIConfig struct {
	// AllowStandalone permits subcommands (e.g. a one-off `dchat dial`)
	// to build their own transport when no daemon is running, rather
	// than requiring one. Default: false.
	AllowStandalone bool `yaml:"allow_standalone,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Audit   AuditConfig   `yaml:"audit,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// AuditConfig controls structured audit logging of session and relay
// events (peer connects/disconnects, circuit build/teardown).
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds transport listen configuration.
type NetworkConfig struct {
	ListenAddresses          []string `yaml:"listen_addresses"`
	ForcePrivateReachability bool     `yaml:"force_private_reachability"`
	ForceCGNAT               bool     `yaml:"force_cgnat,omitempty"`
	ResourceLimitsEnabled    bool     `yaml:"resource_limits_enabled"`
}

// DHTConfig tunes the Kademlia routing table and lookup concurrency
// (spec §4.2's k_bucket_size and dht_alpha).
type DHTConfig struct {
	KBucketSize    int      `yaml:"k_bucket_size"`
	Alpha          int      `yaml:"dht_alpha"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
}

// DefaultDHTConfig returns spec-default DHT tuning.
func DefaultDHTConfig() DHTConfig {
	return DHTConfig{KBucketSize: 20, Alpha: 3}
}

// GossipConfig tunes flood-control-gated message propagation (spec §4.3).
type GossipConfig struct {
	Fanout       int  `yaml:"gossip_fanout"`
	MeshSize     int  `yaml:"gossip_mesh_size"`
	CacheSize    int  `yaml:"gossip_cache_size"`
	MaxTTL       int  `yaml:"gossip_max_ttl"`
	FloodPublish bool `yaml:"gossip_flood_publish,omitempty"`
}

// DefaultGossipConfig returns spec-default gossip tuning.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{Fanout: 6, MeshSize: 12, CacheSize: 10000, MaxTTL: 32}
}

// ConnPoolConfig tunes the connection manager's pool size and timeouts
// (spec §4.5).
type ConnPoolConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	TargetConnections int           `yaml:"target_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// DefaultConnPoolConfig returns spec-default pool tuning.
func DefaultConnPoolConfig() ConnPoolConfig {
	return ConnPoolConfig{
		MaxConnections:    50,
		TargetConnections: 30,
		ConnectionTimeout: 30 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

// NATConfig controls port mapping, hole punching, and TURN fallback
// (spec §4.4).
type NATConfig struct {
	EnableUPnP         bool               `yaml:"enable_upnp"`
	EnableHolePunching bool               `yaml:"enable_hole_punching"`
	STUNServers        []string           `yaml:"stun_servers,omitempty"`
	TURNServers        []TURNServerConfig `yaml:"turn_servers,omitempty"`
}

// TURNServerConfig holds credentials for one TURN relay fallback server.
type TURNServerConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Realm    string `yaml:"realm,omitempty"`
}

// DefaultNATConfig returns spec-default NAT traversal tuning. STUNServers
// is left empty here; the nat package supplies its own public defaults
// when the config omits them.
func DefaultNATConfig() NATConfig {
	return NATConfig{EnableUPnP: true, EnableHolePunching: true}
}

// RelayConfig controls whether this node forwards traffic for others as
// an onion relay hop (spec §4.7).
type RelayConfig struct {
	Enabled        bool   `yaml:"enable_relay"`
	MaxHops        int    `yaml:"max_relay_hops"`
	BandwidthLimit string `yaml:"relay_bandwidth_limit"` // e.g. "10Mbps"
}

// DefaultRelayConfig returns spec-default relay tuning.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{Enabled: false, MaxHops: 3, BandwidthLimit: "10Mbps"}
}

// SessionConfig tunes the per-peer Noise-XX session layer and its periodic
// rekey (spec §4.1).
type SessionConfig struct {
	RekeyInterval int `yaml:"rekey_interval"` // messages between rekeys
}

// DefaultSessionConfig returns spec-default session tuning.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{RekeyInterval: 100}
}

// OnionConfig tunes onion-routed circuit construction (spec §4.6).
type OnionConfig struct {
	CircuitLength       int           `yaml:"onion_circuit_length"`
	CircuitLifetime     time.Duration `yaml:"onion_circuit_lifetime"`
	CoverTrafficEnabled bool          `yaml:"cover_traffic_enabled"`
}

// DefaultOnionConfig returns spec-default onion routing tuning.
func DefaultOnionConfig() OnionConfig {
	return OnionConfig{CircuitLength: 3, CircuitLifetime: 10 * time.Minute, CoverTrafficEnabled: false}
}

// RateLimitConfig tunes the per-peer token bucket flood control shared by
// gossip and session traffic (spec §3).
type RateLimitConfig struct {
	PerPeerRateLimit float64 `yaml:"per_peer_rate_limit"` // messages/sec sustained
}

// DefaultRateLimitConfig returns spec-default rate limiting.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerPeerRateLimit: 10}
}

// DiscoveryConfig holds supplemental peer-discovery configuration beyond
// DHT bootstrap (spec §4.2 LAN discovery supplement).
type DiscoveryConfig struct {
	MDNSEnabled      *bool         `yaml:"mdns_enabled,omitempty"`      // LAN peer discovery (default: true)
	NetIntelEnabled  *bool         `yaml:"net_intel_enabled,omitempty"` // peer interaction history tracking (default: true)
	AnnounceInterval time.Duration `yaml:"announce_interval,omitempty"` // how often to push state (no default is applied; zero when omitted)
}

// IsMDNSEnabled returns whether mDNS local discovery is enabled.
// Defaults to true when not explicitly set in config.
func (d *DiscoveryConfig) IsMDNSEnabled() bool {
	if d.MDNSEnabled == nil {
		return true
	}
	return *d.MDNSEnabled
}

// IsNetIntelEnabled returns whether peer interaction history tracking is
// enabled. Defaults to true when not explicitly set.
func (d *DiscoveryConfig) IsNetIntelEnabled() bool {
	if d.NetIntelEnabled == nil {
		return true
	}
	return *d.NetIntelEnabled
}

// SecurityConfig holds connection gating configuration.
type SecurityConfig struct {
	AuthorizedKeysFile     string `yaml:"authorized_keys_file"`
	EnableConnectionGating bool   `yaml:"enable_connection_gating"`
}
