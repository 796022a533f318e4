package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dchat-net/dchat/internal/config"
	"github.com/dchat-net/dchat/pkg/identity"
)

func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	fs.Parse(args)

	fmt.Printf("dchatd %s (%s)\n", version, commit)
	fmt.Println()

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("Config error: %v", err)
	}
	cfg, err := config.LoadNodeConfig(cfgFile)
	if err != nil {
		fatal("Failed to load config: %v", err)
	}
	config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
	if err := config.ValidateNodeConfig(cfg); err != nil {
		fatal("Invalid configuration: %v", err)
	}

	if err := config.Archive(cfgFile); err != nil {
		log.Printf("Warning: failed to archive config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if deadline, err := config.CheckPending(cfgFile); err == nil && !deadline.IsZero() {
		go config.EnforceCommitConfirmed(ctx, cfgFile, deadline, os.Exit)
		remaining := time.Until(deadline).Round(time.Second)
		fmt.Printf("Commit-confirmed active: %s remaining (run 'dchatd config confirm' to keep this config)\n", remaining)
	}

	fmt.Printf("Loaded configuration from %s\n", cfgFile)

	local, err := identity.LoadOrCreate(cfg.Identity.KeyFile)
	if err != nil {
		fatal("Failed to load identity: %v", err)
	}
	fmt.Printf("Peer ID: %s\n", local.PeerID())
	fmt.Println()

	node, err := NewNode(cfg, local, slog.Default())
	if err != nil {
		fatal("Failed to assemble node: %v", err)
	}
	if err := node.Start(ctx); err != nil {
		fatal("Failed to start node: %v", err)
	}

	go logDelivered(ctx, node)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case <-ctx.Done():
	}

	node.Stop()
	fmt.Println("dchatd stopped.")
}

// logDelivered drains Node.Delivered so a node run standalone (with no
// chat-facing consumer attached) doesn't block onion circuit delivery;
// a real chat client would read this channel instead.
func logDelivered(ctx context.Context, node *Node) {
	for {
		select {
		case msg, ok := <-node.Delivered:
			if !ok {
				return
			}
			slog.Debug("dchatd: message delivered", "circuit", msg.CircuitID, "bytes", len(msg.Payload))
		case <-ctx.Done():
			return
		}
	}
}
