package config

import (
	"testing"
)

func BenchmarkLoadNodeConfig(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, testConfigYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LoadNodeConfig(path)
	}
}

func BenchmarkValidateNodeConfig(b *testing.B) {
	cfg := &NodeConfig{
		Identity: IdentityConfig{KeyFile: "key"},
		Network:  NetworkConfig{ListenAddresses: []string{"/ip4/0.0.0.0/tcp/0"}},
		DHT:      DHTConfig{KBucketSize: 20, Alpha: 3},
		ConnPool: ConnPoolConfig{MaxConnections: 50, TargetConnections: 30},
		Onion:    OnionConfig{CircuitLength: 3},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ValidateNodeConfig(cfg)
	}
}
