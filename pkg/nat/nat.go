package nat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// leaseRenewalFraction schedules UPnP/NAT-PMP lease renewal at half the
// granted lease (spec §4.4).
const leaseRenewalFraction = 0.5

// Dialer opens a direct transport connection to an address, supplied by
// the transport layer so this package never depends on it.
type Dialer interface {
	DialDirect(ctx context.Context, addr string) (net.Conn, error)
}

// Manager discovers the local NAT situation, maintains a port mapping when
// a gateway supports one, and establishes outbound connections using the
// strategy SelectStrategy picks for a given peer (spec §4.4 contract).
type Manager struct {
	discoverer *Discoverer
	dialer     Dialer
	rendezvous Rendezvous
	turnCfg    *TURNConfig
	log        *slog.Logger

	mu        sync.RWMutex
	discovery Discovery
	mapping   *PortMapping
}

// NewManager builds a Manager. rendezvous and turnCfg may be nil; hole
// punching and TURN fallback then report ErrNoRendezvous / ErrTURNNotConfigured
// if selected.
func NewManager(discoverer *Discoverer, dialer Dialer, rendezvous Rendezvous, turnCfg *TURNConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{discoverer: discoverer, dialer: dialer, rendezvous: rendezvous, turnCfg: turnCfg, log: log}
}

// Start runs STUN discovery and, if a UPnP gateway is reachable, requests a
// port mapping for internalPort and schedules its renewal. A missing or
// unreachable gateway is not an error: the node simply relies on hole
// punching or TURN for inbound connectivity.
func (m *Manager) Start(ctx context.Context, internalPort int) error {
	d, err := m.discoverer.Discover(ctx)
	if err != nil {
		m.log.Warn("nat: stun discovery failed", "error", err)
	}
	m.mu.Lock()
	m.discovery = d
	m.mu.Unlock()

	mapper, err := DiscoverUPnP(ctx)
	if err != nil {
		m.log.Debug("nat: no upnp gateway", "error", err)
		return nil
	}
	mapping, err := mapper.AddMapping(ctx, "udp", internalPort, internalPort, "dchat", time.Hour)
	if err != nil {
		m.log.Debug("nat: upnp port mapping failed", "error", err)
		return nil
	}
	m.mu.Lock()
	m.mapping = &mapping
	m.mu.Unlock()
	go m.renewLease(ctx, mapper, mapping)
	return nil
}

func (m *Manager) renewLease(ctx context.Context, mapper PortMapper, mapping PortMapping) {
	if mapping.Lease <= 0 {
		return
	}
	timer := time.NewTimer(time.Duration(float64(mapping.Lease) * leaseRenewalFraction))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		renewed, err := mapper.AddMapping(ctx, mapping.Protocol, int(mapping.InternalPort), int(mapping.ExternalPort), "dchat", mapping.Lease)
		if err != nil {
			m.log.Warn("nat: lease renewal failed", "error", err)
			return
		}
		m.mu.Lock()
		m.mapping = &renewed
		m.mu.Unlock()
		go m.renewLease(ctx, mapper, renewed)
	}
}

// Discovery returns the most recent STUN discovery result.
func (m *Manager) Discovery() Discovery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovery
}

// Mapping returns the current UPnP/NAT-PMP port mapping, if any.
func (m *Manager) Mapping() (PortMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.mapping == nil {
		return PortMapping{}, false
	}
	return *m.mapping, true
}

// Establish picks a strategy from the local and peer NAT types and opens a
// connection accordingly (spec §4.4 establish(peer_info)).
func (m *Manager) Establish(ctx context.Context, peerID identity.PeerId, peerAddr string, peerNATType NATType) (net.Conn, Strategy, error) {
	local := m.Discovery().NATType
	strategy := SelectStrategy(local, peerNATType)

	switch strategy {
	case StrategyDirect:
		conn, err := m.dialer.DialDirect(ctx, peerAddr)
		return conn, strategy, err

	case StrategyHolePunch:
		conn, err := m.establishHolePunch(ctx, peerID, peerAddr)
		if err == nil {
			return conn, strategy, nil
		}
		m.log.Debug("nat: hole punch failed, falling back to turn", "peer", peerID, "error", err)
		conn, err = m.establishTURN(ctx, peerAddr)
		return conn, StrategyTURN, err

	case StrategyTURN:
		conn, err := m.establishTURN(ctx, peerAddr)
		return conn, strategy, err
	}
	return nil, strategy, fmt.Errorf("nat: unhandled strategy %v", strategy)
}

func (m *Manager) establishHolePunch(ctx context.Context, peerID identity.PeerId, peerAddr string) (net.Conn, error) {
	if m.rendezvous == nil {
		return nil, ErrNoRendezvous
	}
	remote, err := m.rendezvous.ExchangeEndpoints(ctx, peerID, PeerEndpoint{PeerID: peerID, Address: m.Discovery().PublicAddress})
	if err != nil {
		return nil, fmt.Errorf("nat: rendezvous exchange failed: %w", err)
	}
	if remote.Address == "" {
		remote.Address = peerAddr
	}

	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, err
	}
	addr, err := HolePunch(ctx, conn, remote)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &packetConnAdapter{PacketConn: conn, remote: addr}, nil
}

func (m *Manager) establishTURN(ctx context.Context, peerAddr string) (net.Conn, error) {
	if m.turnCfg == nil {
		return nil, ErrTURNNotConfigured
	}
	client, relayConn, err := allocateRelay(*m.turnCfg)
	if err != nil {
		return nil, err
	}
	remoteAddr, err := net.ResolveUDPAddr("udp4", peerAddr)
	if err != nil {
		client.Close()
		relayConn.Close()
		return nil, fmt.Errorf("nat: resolve peer address: %w", err)
	}
	if err := client.CreatePermission(remoteAddr); err != nil {
		client.Close()
		relayConn.Close()
		return nil, fmt.Errorf("nat: create turn permission: %w", err)
	}
	return &packetConnAdapter{PacketConn: relayConn, remote: remoteAddr}, nil
}

// packetConnAdapter adapts a connectionless net.PacketConn bound to a
// single remote address into net.Conn, once hole punching or a TURN
// permission has fixed which address traffic flows to.
type packetConnAdapter struct {
	net.PacketConn
	remote net.Addr
}

func (a *packetConnAdapter) Read(b []byte) (int, error) {
	n, _, err := a.PacketConn.ReadFrom(b)
	return n, err
}

func (a *packetConnAdapter) Write(b []byte) (int, error) {
	return a.PacketConn.WriteTo(b, a.remote)
}

func (a *packetConnAdapter) RemoteAddr() net.Addr { return a.remote }
