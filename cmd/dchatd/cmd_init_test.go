package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dchat-net/dchat/internal/config"
)

func TestDoInit_WithBootstrapPeer(t *testing.T) {
	dir := t.TempDir()
	bootstrap := "203.0.113.50:7777/p2p/abcdef"

	stdin := strings.NewReader(bootstrap + "\n")
	var stdout bytes.Buffer

	err := doInit([]string{"--dir", dir}, stdin, &stdout)
	if err != nil {
		t.Fatalf("doInit: %v", err)
	}

	out := stdout.String()

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		t.Error("config.yaml not created")
	}
	keyFile := filepath.Join(dir, "identity.key")
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		t.Error("identity.key not created")
	}

	if !strings.Contains(out, "Welcome to dchat!") {
		t.Error("output missing 'Welcome to dchat!'")
	}
	if !strings.Contains(out, "Your Peer ID:") {
		t.Error("output missing 'Your Peer ID:'")
	}
	if !strings.Contains(out, "Config written to:") {
		t.Error("output missing 'Config written to:'")
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), bootstrap) {
		t.Error("config should contain the bootstrap peer address")
	}
}

func TestDoInit_NoBootstrapPeer(t *testing.T) {
	dir := t.TempDir()

	stdin := strings.NewReader("\n")
	var stdout bytes.Buffer

	if err := doInit([]string{"--dir", dir}, stdin, &stdout); err != nil {
		t.Fatalf("doInit: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "bootstrap_peers: []") {
		t.Error("config should declare an empty bootstrap_peers list when none was entered")
	}
}

func TestDoInit_ConfigAlreadyExists(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("existing"), 0600); err != nil {
		t.Fatal(err)
	}

	stdin := strings.NewReader("\n")
	var stdout bytes.Buffer

	err := doInit([]string{"--dir", dir}, stdin, &stdout)
	if err == nil {
		t.Fatal("expected error when config exists")
	}
	if !strings.Contains(err.Error(), "config already exists") {
		t.Errorf("error = %q, want 'config already exists'", err.Error())
	}
}

func TestNodeConfigTemplateRoundTripsThroughLoader(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "identity.key")
	tmpl := nodeConfigTemplate("0.0.0.0:7777", keyFile, "")

	if !strings.Contains(tmpl, "listen_addresses") {
		t.Error("template missing listen_addresses")
	}
	if !strings.Contains(tmpl, "enable_relay: false") {
		t.Error("template should default relay to disabled")
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(tmpl), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadNodeConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadNodeConfig: %v", err)
	}
	if cfg.Identity.KeyFile != keyFile {
		t.Errorf("key file = %q, want %q", cfg.Identity.KeyFile, keyFile)
	}
	if len(cfg.Network.ListenAddresses) != 1 || cfg.Network.ListenAddresses[0] != "0.0.0.0:7777" {
		t.Errorf("listen addresses = %v", cfg.Network.ListenAddresses)
	}
}
