package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions: it returns an error whenever any group or world permission
// bit is set. Config files carry identity key paths and bootstrap peer
// lists.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// rawNodeConfig mirrors NodeConfig but reads duration-valued fields as
// plain strings, since yaml.v3 does not parse "30s"-style durations into
// time.Duration on its own. Each is converted with time.ParseDuration
// below.
type rawNodeConfig struct {
	Version  int            `yaml:"version,omitempty"`
	Identity IdentityConfig `yaml:"identity"`
	Network  NetworkConfig  `yaml:"network"`
	DHT      DHTConfig      `yaml:"dht"`
	Gossip   GossipConfig   `yaml:"gossip"`
	ConnPool struct {
		MaxConnections    int    `yaml:"max_connections"`
		TargetConnections int    `yaml:"target_connections"`
		ConnectionTimeout string `yaml:"connection_timeout"`
		IdleTimeout       string `yaml:"idle_timeout"`
	} `yaml:"connection_pool"`
	NAT     NATConfig   `yaml:"nat"`
	Relay   RelayConfig `yaml:"relay"`
	Session SessionConfig `yaml:"session"`
	Onion   struct {
		CircuitLength       int    `yaml:"onion_circuit_length"`
		CircuitLifetime     string `yaml:"onion_circuit_lifetime"`
		CoverTrafficEnabled bool   `yaml:"cover_traffic_enabled"`
	} `yaml:"onion"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Discovery struct {
		MDNSEnabled      *bool  `yaml:"mdns_enabled,omitempty"`
		NetIntelEnabled  *bool  `yaml:"net_intel_enabled,omitempty"`
		AnnounceInterval string `yaml:"announce_interval,omitempty"`
	} `yaml:"discovery,omitempty"`
	Security  SecurityConfig  `yaml:"security"`
	CLI       CLIConfig       `yaml:"cli,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// parseDuration parses s with time.ParseDuration unless it is empty, in
// which case it returns the zero duration so applyDefaults can fill it.
func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return d, nil
}

// LoadNodeConfig loads node configuration from a YAML file, filling any
// zero-valued tunable with its spec default.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw rawNodeConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	connectionTimeout, err := parseDuration("connection_pool.connection_timeout", raw.ConnPool.ConnectionTimeout)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := parseDuration("connection_pool.idle_timeout", raw.ConnPool.IdleTimeout)
	if err != nil {
		return nil, err
	}
	circuitLifetime, err := parseDuration("onion.onion_circuit_lifetime", raw.Onion.CircuitLifetime)
	if err != nil {
		return nil, err
	}
	announceInterval, err := parseDuration("discovery.announce_interval", raw.Discovery.AnnounceInterval)
	if err != nil {
		return nil, err
	}

	cfg := NodeConfig{
		Version:  raw.Version,
		Identity: raw.Identity,
		Network:  raw.Network,
		DHT:      raw.DHT,
		Gossip:   raw.Gossip,
		ConnPool: ConnPoolConfig{
			MaxConnections:    raw.ConnPool.MaxConnections,
			TargetConnections: raw.ConnPool.TargetConnections,
			ConnectionTimeout: connectionTimeout,
			IdleTimeout:       idleTimeout,
		},
		NAT:     raw.NAT,
		Relay:   raw.Relay,
		Session: raw.Session,
		Onion: OnionConfig{
			CircuitLength:       raw.Onion.CircuitLength,
			CircuitLifetime:     circuitLifetime,
			CoverTrafficEnabled: raw.Onion.CoverTrafficEnabled,
		},
		RateLimit: raw.RateLimit,
		Discovery: DiscoveryConfig{
			MDNSEnabled:      raw.Discovery.MDNSEnabled,
			NetIntelEnabled:  raw.Discovery.NetIntelEnabled,
			AnnounceInterval: announceInterval,
		},
		Security:  raw.Security,
		CLI:       raw.CLI,
		Telemetry: raw.Telemetry,
	}

	// Default version to 1 for configs written before versioning was added
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade dchatd", ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	applyDefaults(&cfg)

	if cfg.Telemetry.Metrics.Enabled && cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}

	return &cfg, nil
}

// applyDefaults fills zero-valued tunables across every section with its
// spec default. A present-but-zero field (e.g. an explicit max_relay_hops: 0)
// is indistinguishable from an absent one in YAML, so a node that truly
// wants zero of something must configure it through a different knob
// (e.g. enable_relay: false rather than max_relay_hops: 0).
func applyDefaults(cfg *NodeConfig) {
	d := DefaultDHTConfig()
	if cfg.DHT.KBucketSize == 0 {
		cfg.DHT.KBucketSize = d.KBucketSize
	}
	if cfg.DHT.Alpha == 0 {
		cfg.DHT.Alpha = d.Alpha
	}

	g := DefaultGossipConfig()
	if cfg.Gossip.Fanout == 0 {
		cfg.Gossip.Fanout = g.Fanout
	}
	if cfg.Gossip.MeshSize == 0 {
		cfg.Gossip.MeshSize = g.MeshSize
	}
	if cfg.Gossip.CacheSize == 0 {
		cfg.Gossip.CacheSize = g.CacheSize
	}
	if cfg.Gossip.MaxTTL == 0 {
		cfg.Gossip.MaxTTL = g.MaxTTL
	}

	p := DefaultConnPoolConfig()
	if cfg.ConnPool.MaxConnections == 0 {
		cfg.ConnPool.MaxConnections = p.MaxConnections
	}
	if cfg.ConnPool.TargetConnections == 0 {
		cfg.ConnPool.TargetConnections = p.TargetConnections
	}
	if cfg.ConnPool.ConnectionTimeout == 0 {
		cfg.ConnPool.ConnectionTimeout = p.ConnectionTimeout
	}
	if cfg.ConnPool.IdleTimeout == 0 {
		cfg.ConnPool.IdleTimeout = p.IdleTimeout
	}

	if cfg.Relay.MaxHops == 0 {
		cfg.Relay.MaxHops = DefaultRelayConfig().MaxHops
	}
	if cfg.Relay.BandwidthLimit == "" {
		cfg.Relay.BandwidthLimit = DefaultRelayConfig().BandwidthLimit
	}

	if cfg.Session.RekeyInterval == 0 {
		cfg.Session.RekeyInterval = DefaultSessionConfig().RekeyInterval
	}

	o := DefaultOnionConfig()
	if cfg.Onion.CircuitLength == 0 {
		cfg.Onion.CircuitLength = o.CircuitLength
	}
	if cfg.Onion.CircuitLifetime == 0 {
		cfg.Onion.CircuitLifetime = o.CircuitLifetime
	}

	if cfg.RateLimit.PerPeerRateLimit == 0 {
		cfg.RateLimit.PerPeerRateLimit = DefaultRateLimitConfig().PerPeerRateLimit
	}
}

// FindConfigFile searches for a dchatd config file in standard locations.
// Search order: explicitPath (if given), ./dchatd.yaml,
// ~/.config/dchat/config.yaml, /etc/dchat/config.yaml
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicitPath)
		}
		return explicitPath, nil
	}

	searchPaths := []string{
		"dchatd.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "dchat", "config.yaml"))
	}

	searchPaths = append(searchPaths, filepath.Join("/etc", "dchat", "config.yaml"))

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("%w; searched:\n  %s\n\nRun 'dchatd init' to create one, or use --config <path>", ErrConfigNotFound, strings.Join(searchPaths, "\n  "))
}

// ResolveConfigPaths resolves relative file paths in the config to be
// relative to the config file's directory. This allows configs in
// ~/.config/dchat/ to reference key files and authorized_keys using
// relative paths.
func ResolveConfigPaths(cfg *NodeConfig, configDir string) {
	if cfg.Identity.KeyFile != "" && !filepath.IsAbs(cfg.Identity.KeyFile) {
		cfg.Identity.KeyFile = filepath.Join(configDir, cfg.Identity.KeyFile)
	}
	if cfg.Security.AuthorizedKeysFile != "" && !filepath.IsAbs(cfg.Security.AuthorizedKeysFile) {
		cfg.Security.AuthorizedKeysFile = filepath.Join(configDir, cfg.Security.AuthorizedKeysFile)
	}
}

// ValidateNodeConfig validates unified node configuration.
func ValidateNodeConfig(cfg *NodeConfig) error {
	if cfg.Identity.KeyFile == "" {
		return fmt.Errorf("identity.key_file is required")
	}
	if len(cfg.Network.ListenAddresses) == 0 {
		return fmt.Errorf("network.listen_addresses must contain at least one address")
	}
	if cfg.DHT.KBucketSize <= 0 {
		return fmt.Errorf("dht.k_bucket_size must be positive")
	}
	if cfg.DHT.Alpha <= 0 {
		return fmt.Errorf("dht.dht_alpha must be positive")
	}
	if cfg.ConnPool.TargetConnections > cfg.ConnPool.MaxConnections {
		return fmt.Errorf("connection_pool.target_connections must not exceed max_connections")
	}
	if cfg.Relay.Enabled && cfg.Relay.MaxHops <= 0 {
		return fmt.Errorf("relay.max_relay_hops must be positive when relay is enabled")
	}
	if cfg.Relay.BandwidthLimit != "" {
		if _, err := ParseDataRate(cfg.Relay.BandwidthLimit); err != nil {
			return fmt.Errorf("relay.relay_bandwidth_limit: %w", err)
		}
	}
	if cfg.Onion.CircuitLength <= 0 {
		return fmt.Errorf("onion.onion_circuit_length must be positive")
	}
	if cfg.Security.EnableConnectionGating && cfg.Security.AuthorizedKeysFile == "" {
		return fmt.Errorf("security.authorized_keys_file is required when connection gating is enabled")
	}
	for _, t := range cfg.NAT.TURNServers {
		if t.Address == "" {
			return fmt.Errorf("nat.turn_servers: address is required")
		}
	}
	return nil
}

// DefaultConfigDir returns the default dchatd config directory
// (~/.config/dchat).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".config", "dchat"), nil
}

// ParseDataRate parses a human-readable bandwidth string (e.g. "10Mbps",
// "512Kbps", "1Gbps") and returns the value in bits per second. Supported
// suffixes: bps, Kbps, Mbps, Gbps (case-insensitive).
func ParseDataRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty data rate")
	}

	lower := strings.ToLower(s)
	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(lower, "gbps"):
		multiplier = 1_000_000_000
		numStr = s[:len(s)-4]
	case strings.HasSuffix(lower, "mbps"):
		multiplier = 1_000_000
		numStr = s[:len(s)-4]
	case strings.HasSuffix(lower, "kbps"):
		multiplier = 1_000
		numStr = s[:len(s)-4]
	case strings.HasSuffix(lower, "bps"):
		numStr = s[:len(s)-3]
	default:
		numStr = s
	}

	numStr = strings.TrimSpace(numStr)
	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data rate %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("data rate must be non-negative: %s", s)
	}
	return val * multiplier, nil
}

// ParseDataSize parses a human-readable data size string (e.g. "128KB",
// "64MB", "1GB") and returns the value in bytes. Supported suffixes: B,
// KB, MB, GB (case-insensitive). Used for session data limits and other
// byte-valued tunables.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty data size")
	}

	s = strings.ToUpper(s)
	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	numStr = strings.TrimSpace(numStr)
	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid data size %q: %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("data size must be non-negative: %s", s)
	}
	return val * multiplier, nil
}
