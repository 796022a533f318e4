package nat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
)

// STUNQueryTimeout bounds a single server round trip.
const STUNQueryTimeout = 3 * time.Second

// DefaultSTUNServers is the public server set used as a fallback when no
// servers are configured.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

type stunProbe struct {
	server string
	addr   string
	err    error
}

// Discoverer runs STUN probes against a set of independent servers in
// parallel and classifies the local NAT type from the pattern of observed
// external mappings (spec §4.4), replacing the hand-rolled RFC 5389 wire
// parsing with pion/stun/v3 while keeping the multi-server-probe structure.
type Discoverer struct {
	servers []string
	log     *slog.Logger
}

// NewDiscoverer builds a Discoverer. An empty servers list falls back to
// DefaultSTUNServers.
func NewDiscoverer(servers []string, log *slog.Logger) *Discoverer {
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	if log == nil {
		log = slog.Default()
	}
	return &Discoverer{servers: servers, log: log}
}

// Discover queries every configured server and returns the externally
// observed address plus the inferred NATType.
func (d *Discoverer) Discover(ctx context.Context) (Discovery, error) {
	results := make([]stunProbe, len(d.servers))
	var wg sync.WaitGroup
	for i, srv := range d.servers {
		wg.Add(1)
		go func(idx int, server string) {
			defer wg.Done()
			addr, err := queryStunServer(ctx, server)
			results[idx] = stunProbe{server: server, addr: addr, err: err}
		}(i, srv)
	}
	wg.Wait()

	var ok []stunProbe
	for _, r := range results {
		if r.err != nil {
			d.log.Debug("nat: stun probe failed", "server", r.server, "error", r.err)
			continue
		}
		ok = append(ok, r)
	}
	if len(ok) == 0 {
		return Discovery{NATType: NATUnknown}, fmt.Errorf("nat: all stun probes failed")
	}

	natType := classify(ok)
	if natType != NATSymmetric && isLocalAddress(ok[0].addr) {
		natType = NATOpenInternet
	}
	return Discovery{PublicAddress: ok[0].addr, NATType: natType}, nil
}

func queryStunServer(ctx context.Context, server string) (string, error) {
	conn, err := net.Dial("udp4", server)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok || time.Until(deadline) > STUNQueryTimeout {
		deadline = time.Now().Add(STUNQueryTimeout)
	}
	_ = conn.SetDeadline(deadline)

	c, err := stun.NewClient(conn)
	if err != nil {
		return "", fmt.Errorf("stun client: %w", err)
	}
	defer c.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var xorAddr stun.XORMappedAddress
	var doErr error
	if err := c.Do(msg, func(res stun.Event) {
		if res.Error != nil {
			doErr = res.Error
			return
		}
		doErr = xorAddr.GetFrom(res.Message)
	}); err != nil {
		return "", err
	}
	if doErr != nil {
		return "", doErr
	}
	return fmt.Sprintf("%s:%d", xorAddr.IP.String(), xorAddr.Port), nil
}

// classify applies the standard multi-server STUN NAT-behavior heuristic:
// if every server observes the same external ip:port, the mapping is
// endpoint-independent; differing ports with a shared IP means the
// firewall discriminates by peer address but shares one public IP per
// session; differing IPs indicates a pool of outbound addresses, the
// symmetric-NAT signature.
func classify(probes []stunProbe) NATType {
	if len(probes) < 2 {
		return NATUnknown
	}
	firstHost, firstPort, err := net.SplitHostPort(probes[0].addr)
	if err != nil {
		return NATUnknown
	}
	sameIP, samePort := true, true
	for _, p := range probes[1:] {
		host, port, err := net.SplitHostPort(p.addr)
		if err != nil {
			return NATUnknown
		}
		if host != firstHost {
			sameIP = false
		}
		if port != firstPort {
			samePort = false
		}
	}
	switch {
	case sameIP && samePort:
		// Endpoint-independent mapping. Distinguishing FullCone from
		// RestrictedCone needs a CHANGE-REQUEST probe most public STUN
		// servers don't honor; classify conservatively as the more
		// restrictive of the two so callers never overpromise a direct
		// inbound path.
		return NATRestrictedCone
	case sameIP && !samePort:
		return NATPortRestrictedCone
	default:
		return NATSymmetric
	}
}

// isLocalAddress reports whether host:port's IP belongs to a local
// interface, meaning the STUN server saw the machine's own address with no
// NAT in between.
func isLocalAddress(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}
	return false
}
