package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dchat-net/dchat/internal/config"
	history "github.com/dchat-net/dchat/internal/reputation"
	"github.com/dchat-net/dchat/pkg/chainanchor"
	"github.com/dchat-net/dchat/pkg/connmgr"
	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/gossip"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/lanmdns"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/onion"
	"github.com/dchat-net/dchat/pkg/relay"
	"github.com/dchat-net/dchat/pkg/reputation"
	"github.com/dchat-net/dchat/pkg/rpc"
	"github.com/dchat-net/dchat/pkg/session"
	"github.com/dchat-net/dchat/pkg/transport"
	"github.com/dchat-net/dchat/pkg/wireaddr"
)

// DeliveredMessage is a chat payload that has arrived through an onion
// circuit's final hop. dchatd itself is the transport core of spec §1; it
// hands delivered payloads off on this channel rather than owning a chat
// UI or message store.
type DeliveredMessage struct {
	CircuitID string
	Payload   []byte
}

// Node is the composition root wiring every subsystem package around one
// local identity and one YAML config: transport, DHT, connection manager,
// gossip, NAT traversal, and onion relay.
type Node struct {
	cfg   *config.NodeConfig
	local *identity.KeyPair
	log   *slog.Logger

	registry  *identity.Registry
	transport *transport.Transport
	dht       *dht.DHT
	conns     *connmgr.Manager
	router    *rpc.Router
	natMgr    *nat.Manager
	gossip    *gossip.Gossip
	onionMgr  *onion.Manager
	relayHop  *onion.RelayHop
	relayProt *relay.Relay
	rep       *reputation.Store
	anchor    chainanchor.Anchor
	lan       *lanmdns.Discovery
	hist      *history.PeerHistory

	Delivered chan DeliveredMessage

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode wires every subsystem in dependency order, but starts none of
// them; call Start to bring the node onto the network.
func NewNode(cfg *config.NodeConfig, local *identity.KeyPair, log *slog.Logger) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	n := &Node{cfg: cfg, local: local, log: log, Delivered: make(chan DeliveredMessage, 64)}

	n.registry = identity.NewRegistry()
	n.registry.Put(local.Public)

	var quicBackend *transport.QUICBackend
	if hasQUICListener(cfg.Network.ListenAddresses) {
		qb, err := transport.NewQUICBackend()
		if err != nil {
			return nil, fmt.Errorf("dchatd: quic backend: %w", err)
		}
		quicBackend = qb
	}
	n.transport = transport.New(local, quicBackend)

	n.rep = reputation.NewStore(reputationPath(cfg.Identity.KeyFile), 10, cfg.RateLimit.PerPeerRateLimit, 1000, 1000)
	n.hist = history.NewPeerHistory(historyPath(cfg.Identity.KeyFile))

	rt := dht.NewRoutingTable(local.PeerID())

	n.conns = connmgr.New(n.transport, rt, n.rep, connPoolConfig(cfg.ConnPool), log)
	n.router = rpc.New(n.conns, log)
	n.router.ResolveAddr = n.resolveAddr

	n.dht = dht.NewWithRoutingTable(rt, local.PeerID(), n.router, &connmgrPinger{conns: n.conns}, log)

	discoverer := nat.NewDiscoverer(cfg.NAT.STUNServers, log)
	var turnCfg *nat.TURNConfig
	if len(cfg.NAT.TURNServers) > 0 {
		t := cfg.NAT.TURNServers[0]
		turnCfg = &nat.TURNConfig{ServerAddr: t.Address, Username: t.Username, Password: t.Password, Realm: t.Realm}
	}
	n.natMgr = nat.NewManager(discoverer, n.transport, n.router, turnCfg, log)
	n.transport.SetNATManager(n.natMgr)

	gossipCfg := gossip.Config{
		Fanout:             valueOr(cfg.Gossip.Fanout, gossip.DefaultFanout),
		MeshSize:           valueOr(cfg.Gossip.MeshSize, gossip.DefaultMeshSize),
		MaxTTL:             uint8(valueOr(cfg.Gossip.MaxTTL, int(gossip.DefaultMaxTTL))),
		FloodPublish:       cfg.Gossip.FloodPublish,
		CacheCapacity:      valueOr(cfg.Gossip.CacheSize, gossip.DefaultCacheCapacity),
		CacheFP:            gossip.DefaultCacheFP,
		CacheTTL:           gossip.DefaultCacheTTL,
		BloomRotation:      gossip.DefaultBloomRotation,
		RecentSenderWindow: gossip.DefaultRecentSenderWindow,
		SendTimeout:        gossip.DefaultSendTimeout,
		PerPeerRate:        gossip.DefaultPerPeerRate,
		GlobalRate:         gossip.DefaultGlobalRate,
	}
	g, err := gossip.New(local, gossipCfg, rt, n.rep, &connectedPeers{conns: n.conns}, n.router, n.registry, log)
	if err != nil {
		return nil, fmt.Errorf("dchatd: gossip: %w", err)
	}
	n.gossip = g

	n.onionMgr = onion.NewManager(local, rt, n.router, onionManagerConfig(cfg.Onion), log)
	n.relayHop = onion.NewRelayHop(&relayForwarder{router: n.router, delivered: n.Delivered})

	n.anchor = chainanchor.NewMock()
	batch := relay.NewBatchWindow(n.anchor, relay.DefaultBatchSize, relay.DefaultBatchInterval)
	bandwidth := relay.NewBandwidthAccountant(relayBandwidthLimit(cfg.Relay.BandwidthLimit), relayBandwidthLimit(cfg.Relay.BandwidthLimit)*8, time.Minute)
	relayCfg := relay.Config{MaxRelayHops: valueOr(cfg.Relay.MaxHops, relay.MaxRelayHops)}
	n.relayProt = relay.NewRelay(local, n.router, bandwidth, n.rep, batch, relayCfg, n.registry.ResolvePublicKey)

	n.router.OnFindNode = func(ctx context.Context, from identity.PeerId, target identity.PeerId) []dht.PeerInfo {
		peers, _ := n.dht.FindPeer(ctx, target)
		return peers
	}
	n.router.OnGossip = func(from identity.PeerId, msg gossip.GossipMessage) {
		if err := n.gossip.HandleIncoming(from, msg); err != nil {
			n.log.Debug("dchatd: gossip message rejected", "from", from, "err", err)
		}
	}
	n.router.OnRelay = func(from identity.PeerId, msg relay.RelayMessage) {
		ctx := context.Background()
		if msg.Recipient == local.PeerID() {
			n.log.Debug("dchatd: relay message addressed to self delivered via wrong path; direct relay has no final-delivery sink", "message_id", msg.MessageID)
			return
		}
		// The wire message carries only HopsTraversed (history), not the
		// sender's intended path, so the next hop is re-derived from the
		// local routing table's view of who is closest to the recipient
		// (nil path skips ValidateChain's strict hop-order check, which
		// has no input here since the full path was never transmitted).
		candidates, err := n.dht.FindPeer(ctx, msg.Recipient)
		if err != nil || len(candidates) == 0 {
			n.log.Debug("dchatd: relay message dropped, no route to recipient", "message_id", msg.MessageID, "recipient", msg.Recipient)
			return
		}
		next := candidates[0].PeerID
		if err := n.relayProt.Forward(ctx, from, msg, next, nil, uint64(len(msg.EncryptedPayload))); err != nil {
			n.log.Debug("dchatd: relay forward failed", "message_id", msg.MessageID, "err", err)
		}
	}
	n.router.OnOnionExtend = func(ctx context.Context, from identity.PeerId, circuitID string, tunnelThrough []identity.PeerId, message []byte) ([]byte, error) {
		return n.relayHop.HandleExtend(local, circuitID, message)
	}
	n.router.OnOnionForward = func(from identity.PeerId, circuitID string, packet []byte) {
		if err := n.relayHop.HandlePacket(context.Background(), circuitID, packet); err != nil {
			n.log.Debug("dchatd: onion relay packet dropped", "circuit", circuitID, "err", err)
		}
	}
	n.router.OnOnionTeardown = func(from identity.PeerId, circuitID string) {
		n.relayHop.DropCircuit(circuitID)
	}
	n.router.OnRendezvous = func(ctx context.Context, from identity.PeerId, local nat.PeerEndpoint) (nat.PeerEndpoint, error) {
		return nat.PeerEndpoint{PeerID: n.local.PeerID(), Address: n.natMgr.Discovery().PublicAddress}, nil
	}

	if cfg.Discovery.IsMDNSEnabled() {
		n.lan = lanmdns.New(local.PeerID(), cfg.Network.ListenAddresses, n.dht, log)
	}

	return n, nil
}

// connmgrPinger implements dht.Pinger over the connection pool: a peer is
// considered live if it currently has an active managed connection,
// matching pkg/connmgr's own doc comment that the connection manager
// supplies bucket-liveness checks.
type connmgrPinger struct {
	conns *connmgr.Manager
}

func (p *connmgrPinger) Ping(ctx context.Context, id identity.PeerId) bool {
	conn, ok := p.conns.Get(id)
	return ok && conn.State() == connmgr.StateActive
}

// connectedPeers adapts connmgr.Manager.Snapshot to gossip.ConnectedPeers.
type connectedPeers struct {
	conns *connmgr.Manager
}

func (c *connectedPeers) ConnectedPeerIDs() []identity.PeerId {
	snap := c.conns.Snapshot()
	ids := make([]identity.PeerId, 0, len(snap))
	for _, info := range snap {
		if info.State == connmgr.StateActive {
			ids = append(ids, info.PeerID)
		}
	}
	return ids
}

// relayForwarder implements onion.RelayForwarder over the rpc router for
// mid-circuit hops, and over Node.Delivered for payloads reaching their
// final hop on this node.
type relayForwarder struct {
	router    *rpc.Router
	delivered chan DeliveredMessage
}

func (f *relayForwarder) ForwardPacket(ctx context.Context, circuitID string, nextHopAddr string, packet []byte) error {
	return f.router.Forward(ctx, circuitID, nextHopAddr, packet)
}

func (f *relayForwarder) DeliverFinal(ctx context.Context, circuitID string, payload []byte) error {
	select {
	case f.delivered <- DeliveredMessage{CircuitID: circuitID, Payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveAddr backs rpc.Router.ResolveAddr: pkg/onion addresses hops by
// their wire address rather than PeerId, so forwarding a packet to the
// next hop needs to map back to whichever connmgr connection that address
// belongs to. The DHT routing table is the authoritative address-to-peer
// index (spec §4.2 PeerInfo.Addresses).
func (n *Node) resolveAddr(addr string) (identity.PeerId, bool) {
	for _, info := range n.dht.RoutingTableSnapshot() {
		for _, a := range info.Addresses {
			if a == addr {
				return info.PeerID, true
			}
		}
	}
	return identity.PeerId{}, false
}

// Start brings the node onto the network: opens listeners, starts the
// connection manager's maintenance loops, discovers the local NAT
// situation, and begins serving every accepted inbound connection.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	tcpAddr, quicAddr := splitListenAddresses(n.cfg.Network.ListenAddresses)
	bound, incoming, err := n.transport.Listen(ctx, tcpAddr, quicAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("dchatd: listen: %w", err)
	}
	n.log.Info("dchatd: listening", "tcp", bound.TCP, "quic", bound.QUIC)

	if port := listenPort(bound.TCP); port != 0 {
		if err := n.natMgr.Start(ctx, port); err != nil {
			n.log.Warn("dchatd: nat discovery failed, continuing without it", "err", err)
		}
		if n.lan != nil {
			if err := n.lan.Start(ctx, port); err != nil {
				n.log.Warn("dchatd: lan discovery failed, continuing without it", "err", err)
			}
		}
	}

	n.conns.Start(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(ctx, incoming)
	}()

	if n.cfg.Discovery.IsNetIntelEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.recordHistoryLoop(ctx)
		}()
	}

	if err := n.dht.Bootstrap(ctx, parseBootstrapPeers(n.cfg.DHT.BootstrapPeers)); err != nil {
		n.log.Warn("dchatd: bootstrap incomplete", "err", err)
	}
	n.conns.SetBootstrapPeers(bootstrapPeerIDs(n.cfg.DHT.BootstrapPeers))

	return nil
}

// Stop tears down every background loop and closes managed connections.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if n.lan != nil {
		n.lan.Close()
	}
	n.conns.Close()
	n.wg.Wait()
	if err := n.hist.Save(); err != nil {
		n.log.Warn("dchatd: failed to save peer interaction history", "err", err)
	}
}

// recordHistoryLoop periodically folds the live connection snapshot into
// the local, non-gossiped peer interaction history (SPEC_FULL.md's peer
// interaction history supplement, on reconnect idle_time estimation): every
// active connection's path type is recorded so a future connmgr scoring
// pass can consult Get(peerID).LastSeen across a process restart, when the
// live Info.IdleTime has just reset to zero.
func (n *Node) recordHistoryLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, info := range n.conns.Snapshot() {
				if info.State != connmgr.StateActive {
					continue
				}
				n.hist.RecordConnection(info.PeerID.String(), info.Path.String(), 0)
			}
		}
	}
}

func (n *Node) acceptLoop(ctx context.Context, incoming <-chan transport.IncomingSession) {
	for {
		select {
		case in, ok := <-incoming:
			if !ok {
				return
			}
			n.registry.Put(in.Session.RemotePub)
			conn, err := n.conns.AddInbound(in.Session.RemotePeer, in.Session, nat.StrategyDirect)
			if err != nil {
				n.log.Debug("dchatd: rejected inbound connection", "peer", in.Session.RemotePeer, "err", err)
				_ = in.Session.TearDown()
				continue
			}
			n.wg.Add(1)
			go func(peer identity.PeerId, sess *session.Session) {
				defer n.wg.Done()
				n.router.Serve(ctx, peer, sess)
			}(conn.PeerID, conn.Session())
		case <-ctx.Done():
			return
		}
	}
}

func hasQUICListener(addrs []string) bool {
	for _, a := range addrs {
		if strings.HasPrefix(a, "quic://") || strings.HasPrefix(a, "udp://") {
			return true
		}
	}
	return false
}

// splitListenAddresses resolves the configured listen addresses to plain
// host:port pairs for pkg/transport.Listen, which binds TCP and QUIC
// separately rather than taking a single multiaddr list. A bare
// "host:port" entry (no scheme) is bound on TCP.
func splitListenAddresses(addrs []string) (tcpAddr, quicAddr string) {
	for _, a := range addrs {
		switch {
		case strings.HasPrefix(a, "quic://"):
			quicAddr = strings.TrimPrefix(a, "quic://")
		case strings.HasPrefix(a, "udp://"):
			quicAddr = strings.TrimPrefix(a, "udp://")
		case strings.HasPrefix(a, "tcp://"):
			tcpAddr = strings.TrimPrefix(a, "tcp://")
		default:
			if tcpAddr == "" {
				tcpAddr = a
			}
		}
	}
	return tcpAddr, quicAddr
}

func listenPort(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func parseBootstrapPeers(addrs []string) []dht.PeerInfo {
	out := make([]dht.PeerInfo, 0, len(addrs))
	for _, a := range addrs {
		pa, err := wireaddr.Parse(a)
		if err != nil {
			continue
		}
		out = append(out, dht.PeerInfo{PeerID: pa.PeerID, Addresses: []string{a}})
	}
	return out
}

func bootstrapPeerIDs(addrs []string) []identity.PeerId {
	peers := parseBootstrapPeers(addrs)
	ids := make([]identity.PeerId, len(peers))
	for i, p := range peers {
		ids[i] = p.PeerID
	}
	return ids
}

// reputationPath derives the reputation store's persistence file from the
// configured identity key file's directory, or disables persistence (an
// in-memory-only store) when no key file is configured.
func reputationPath(keyFile string) string {
	if keyFile == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(keyFile), "reputation.json")
}

// historyPath derives the peer interaction history file from the same
// directory as the identity key file, alongside the live reputation store.
// An empty keyFile still yields an in-process-only path under the current
// directory rather than disabling history outright, since history.Save is
// only ever called on a clean Stop.
func historyPath(keyFile string) string {
	if keyFile == "" {
		return "peer_history.json"
	}
	return filepath.Join(filepath.Dir(keyFile), "peer_history.json")
}

func connPoolConfig(c config.ConnPoolConfig) connmgr.Config {
	cfg := connmgr.DefaultConfig()
	if c.TargetConnections > 0 {
		cfg.Target = c.TargetConnections
	}
	if c.MaxConnections > 0 {
		cfg.Max = c.MaxConnections
	}
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	return cfg
}

func onionManagerConfig(c config.OnionConfig) onion.Config {
	cfg := onion.DefaultConfig()
	if c.CircuitLifetime > 0 {
		cfg.Lifetime = c.CircuitLifetime
	}
	cfg.CoverTrafficOn = c.CoverTrafficEnabled
	return cfg
}

func relayBandwidthLimit(s string) uint64 {
	n, err := config.ParseDataRate(s)
	if err != nil || n <= 0 {
		return 10_000_000 // 10Mbps fallback, spec default
	}
	return uint64(n)
}

func valueOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
