// Package lanmdns implements spec §4.2's LAN discovery supplement: an
// optional mDNS browser that surfaces same-subnet peers as extra
// find_peer seed candidates, additive to configured DHT bootstrap peers.
package lanmdns

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
)

// ServiceName is the DNS-SD service type advertised and browsed by every
// dchat node. Fixed across the network; reachability is still gated by
// the usual handshake and reputation checks, not by the service name.
const ServiceName = "_dchat._udp"

const (
	browseInterval = 30 * time.Second
	browseTimeout  = 10 * time.Second
	dedupeInterval = 30 * time.Second

	// peerTXTPrefix marks the TXT record carrying the advertising peer's
	// hex-encoded PeerId, so a browsing node can tell itself apart from
	// peers discovered on the same segment.
	peerTXTPrefix = "id="
	// addrTXTPrefix marks a TXT record carrying one dialable multiaddr
	// text form, matching wireaddr.Parse's bare-transport form.
	addrTXTPrefix = "addr="
)

// Seeder is the subset of *dht.DHT that Discovery needs to hand off a
// freshly discovered LAN peer as an extra bootstrap seed.
type Seeder interface {
	Bootstrap(ctx context.Context, seeds []dht.PeerInfo) error
}

// Discovery advertises the local node over mDNS and browses for peers on
// the same LAN, feeding anything it finds to a Seeder as an additional
// find_peer candidate. It never dials directly: the caller's connection
// manager and DHT bootstrap path own every outbound connection attempt.
type Discovery struct {
	local identity.PeerId
	addrs []string
	dht   Seeder
	log   *slog.Logger

	server *zeroconf.Server

	mu      sync.Mutex
	lastSeen map[identity.PeerId]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a LAN discovery service. addrs are the node's own listen
// addresses in wireaddr transport-text form, advertised via TXT records
// so peers on the same segment can dial back without a DHT round trip.
func New(local identity.PeerId, addrs []string, seeder Seeder, log *slog.Logger) *Discovery {
	if log == nil {
		log = slog.Default()
	}
	return &Discovery{
		local:    local,
		addrs:    addrs,
		dht:      seeder,
		log:      log,
		lastSeen: make(map[identity.PeerId]time.Time),
	}
}

// Start registers the mDNS service and begins the periodic browse loop.
func (d *Discovery) Start(ctx context.Context, port int) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	txts := make([]string, 0, len(d.addrs)+1)
	txts = append(txts, peerTXTPrefix+d.local.String())
	for _, a := range d.addrs {
		txts = append(txts, addrTXTPrefix+a)
	}

	server, err := zeroconf.Register(d.local.String(), ServiceName, "local.", port, txts, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("lanmdns: register: %w", err)
	}
	d.server = server

	d.wg.Add(1)
	go d.browseLoop(ctx)
	return nil
}

// Close stops advertising and browsing, and waits for the browse loop to exit.
func (d *Discovery) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.server != nil {
		d.server.Shutdown()
	}
	d.wg.Wait()
}

func (d *Discovery) browseLoop(ctx context.Context) {
	defer d.wg.Done()

	d.runBrowse(ctx)

	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runBrowse(ctx)
		}
	}
}

func (d *Discovery) runBrowse(ctx context.Context) {
	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			d.handleEntry(ctx, entry)
		}
	}()

	if err := zeroconf.Browse(browseCtx, ServiceName, "local.", entries); err != nil && browseCtx.Err() == nil {
		d.log.Debug("lanmdns: browse error", "err", err)
	}
}

func (d *Discovery) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry) {
	var (
		peerID identity.PeerId
		haveID bool
		addrs  []string
	)
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, peerTXTPrefix):
			id, err := identity.PeerIdFromHex(strings.TrimPrefix(txt, peerTXTPrefix))
			if err != nil {
				continue
			}
			peerID = id
			haveID = true
		case strings.HasPrefix(txt, addrTXTPrefix):
			addrs = append(addrs, strings.TrimPrefix(txt, addrTXTPrefix))
		}
	}
	if !haveID || peerID == d.local || len(addrs) == 0 {
		return
	}

	d.mu.Lock()
	if last, ok := d.lastSeen[peerID]; ok && time.Since(last) < dedupeInterval {
		d.mu.Unlock()
		return
	}
	d.lastSeen[peerID] = time.Now()
	d.mu.Unlock()

	d.log.Debug("lanmdns: peer discovered on LAN", "peer", peerID, "addrs", len(addrs))

	seed := dht.PeerInfo{PeerID: peerID, Addresses: addrs, LastSeenMonotonic: time.Now()}
	if err := d.dht.Bootstrap(ctx, []dht.PeerInfo{seed}); err != nil {
		d.log.Debug("lanmdns: bootstrap seed failed", "peer", peerID, "err", err)
	}
}
