package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dchat-net/dchat/internal/config"
)

// TestInitGeneratedConfigValidates covers the path cmd_config.go's
// "validate"/"show" subcommands exercise: a config.yaml written by
// doInit must load and validate cleanly, with applyDefaults filling in
// every tunable the minimal template omits.
func TestInitGeneratedConfigValidates(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")
	tmpl := nodeConfigTemplate("0.0.0.0:7777", keyFile, "203.0.113.9:7777/p2p/abc")

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(tmpl), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte("placeholder"), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	cfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		t.Fatalf("ValidateNodeConfig: %v", err)
	}

	if cfg.DHT.KBucketSize <= 0 {
		t.Error("expected DHT defaults to be filled in")
	}
	if len(cfg.DHT.BootstrapPeers) != 1 || cfg.DHT.BootstrapPeers[0] != "203.0.113.9:7777/p2p/abc" {
		t.Errorf("bootstrap peers = %v", cfg.DHT.BootstrapPeers)
	}
	if cfg.Relay.Enabled {
		t.Error("expected relay disabled by default template")
	}
}

func TestInitGeneratedConfigNoBootstrap(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")
	tmpl := nodeConfigTemplate("0.0.0.0:7777", keyFile, "")

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(tmpl), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte("placeholder"), 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	cfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if len(cfg.DHT.BootstrapPeers) != 0 {
		t.Errorf("bootstrap peers = %v, want empty", cfg.DHT.BootstrapPeers)
	}
}
