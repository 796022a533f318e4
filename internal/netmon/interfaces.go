// Package netmon watches the local machine's network interfaces and
// notifies the connection manager when something changes (new global IP,
// lost IP, interface up/down), so reconnect backoff timers reset instead
// of waiting out their exponential schedule on a network that has clearly
// come back (spec §4.5, the network-change-triggered backoff reset
// supplemental feature). Ambient infrastructure, not a spec.md module in
// its own right.
package netmon

import (
	"fmt"
	"net"
	"sort"
)

// InterfaceInfo describes a single network interface with its global
// unicast addresses.
type InterfaceInfo struct {
	Name       string
	IPv4Addrs  []string
	IPv6Addrs  []string
	IsLoopback bool
}

// InterfaceSummary is the result of DiscoverInterfaces: a snapshot of all
// interfaces with global unicast addresses plus IPv4/IPv6 availability
// flags.
type InterfaceSummary struct {
	Interfaces      []InterfaceInfo
	HasGlobalIPv6   bool
	HasGlobalIPv4   bool
	GlobalIPv6Addrs []string
	GlobalIPv4Addrs []string
}

// DiscoverInterfaces enumerates all network interfaces and filters for
// global unicast addresses. Link-local, ULA, CGNAT, and private IPv4
// addresses are excluded from the global lists; an interface is reported
// only if it keeps at least one global address or is a loopback interface.
func DiscoverInterfaces() (*InterfaceSummary, error) {
	return discoverInterfacesFrom(net.Interfaces)
}

// discoverInterfacesFrom is the testable core: it accepts a function
// matching net.Interfaces so tests can inject synthetic interface lists.
func discoverInterfacesFrom(listFn func() ([]net.Interface, error)) (*InterfaceSummary, error) {
	ifaces, err := listFn()
	if err != nil {
		return nil, fmt.Errorf("netmon: enumerate interfaces: %w", err)
	}

	summary := &InterfaceSummary{}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		info := InterfaceInfo{
			Name:       iface.Name,
			IsLoopback: iface.Flags&net.FlagLoopback != 0,
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP

			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
				continue
			}

			if ip.To4() != nil {
				if isGlobalIPv4(ip) {
					info.IPv4Addrs = append(info.IPv4Addrs, ip.String())
					summary.GlobalIPv4Addrs = append(summary.GlobalIPv4Addrs, ip.String())
					summary.HasGlobalIPv4 = true
				}
			} else if len(ip) == net.IPv6len {
				if isGlobalIPv6(ip) {
					info.IPv6Addrs = append(info.IPv6Addrs, ip.String())
					summary.GlobalIPv6Addrs = append(summary.GlobalIPv6Addrs, ip.String())
					summary.HasGlobalIPv6 = true
				}
			}
		}

		if len(info.IPv4Addrs) > 0 || len(info.IPv6Addrs) > 0 || info.IsLoopback {
			summary.Interfaces = append(summary.Interfaces, info)
		}
	}

	sort.Slice(summary.Interfaces, func(i, j int) bool {
		return summary.Interfaces[i].Name < summary.Interfaces[j].Name
	})

	return summary, nil
}

// isGlobalIPv4 reports whether ip is globally routable: not private, not
// loopback, not link-local, not CGNAT.
func isGlobalIPv4(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	if ip4[0] == 10 {
		return false
	}
	if ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31 {
		return false
	}
	if ip4[0] == 192 && ip4[1] == 168 {
		return false
	}
	if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
		return false
	}
	if ip4[0] == 169 && ip4[1] == 254 {
		return false
	}
	return ip4.IsGlobalUnicast()
}

// isGlobalIPv6 reports whether ip is globally routable: not ULA
// (fc00::/7), not link-local.
func isGlobalIPv6(ip net.IP) bool {
	if len(ip) != net.IPv6len {
		return false
	}
	if (ip[0] & 0xfe) == 0xfc {
		return false
	}
	return ip.IsGlobalUnicast()
}
