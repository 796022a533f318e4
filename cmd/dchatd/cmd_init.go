package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dchat-net/dchat/internal/config"
	"github.com/dchat-net/dchat/pkg/identity"
)

func runInit(args []string) {
	if err := doInit(args, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

func doInit(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dirFlag := fs.String("dir", "", "config directory (default: ~/.config/dchat)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "Welcome to dchat!")
	fmt.Fprintln(stdout)

	configDir := *dirFlag
	if configDir == "" {
		d, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("cannot determine config directory: %w", err)
		}
		configDir = d
	}

	configFile := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config already exists: %s\nDelete it first if you want to reinitialize", configFile)
	}

	fmt.Fprintf(stdout, "Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	fmt.Fprintln(stdout)

	keyFile := filepath.Join(configDir, "identity.key")
	fmt.Fprintln(stdout, "Generating identity...")
	kp, err := identity.LoadOrCreate(keyFile)
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	fmt.Fprintf(stdout, "Your Peer ID: %s\n", kp.PeerID())
	fmt.Fprintln(stdout, "(Share this with peers so they can add you as a bootstrap or trusted peer)")
	fmt.Fprintln(stdout)

	reader := bufio.NewReader(stdin)
	fmt.Fprintln(stdout, "Enter a bootstrap peer address, or leave blank to start isolated")
	fmt.Fprintln(stdout, "  Format:  <host>:<port>/p2p/<peer_id>")
	fmt.Fprint(stdout, "> ")
	bootstrapInput, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read input: %w", err)
	}
	bootstrapInput = strings.TrimSpace(bootstrapInput)
	fmt.Fprintln(stdout)

	listenAddr := "0.0.0.0:7777"
	configContent := nodeConfigTemplate(listenAddr, keyFile, bootstrapInput)

	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Fprintf(stdout, "Config written to:    %s\n", configFile)
	fmt.Fprintf(stdout, "Identity saved to:    %s\n", keyFile)
	fmt.Fprintln(stdout)
	fmt.Fprintln(stdout, "Next step: dchatd run")
	return nil
}

// nodeConfigTemplate renders a minimal config.yaml; every field it omits
// is filled by internal/config's applyDefaults on load.
func nodeConfigTemplate(listenAddr, keyFile, bootstrapAddr string) string {
	var bootstrapLine string
	if bootstrapAddr != "" {
		bootstrapLine = fmt.Sprintf("  bootstrap_peers: [%q]\n", bootstrapAddr)
	} else {
		bootstrapLine = "  bootstrap_peers: []\n"
	}
	return fmt.Sprintf(`version: %d
identity:
  key_file: %q
network:
  listen_addresses: [%q]
dht:
%srelay:
  enable_relay: false
`, config.CurrentConfigVersion, keyFile, listenAddr, bootstrapLine)
}
