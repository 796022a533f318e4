package netmon

import (
	"context"
	"log/slog"
	"time"
)

// Change describes what changed between two interface snapshots.
type Change struct {
	Added       []string // new global IPs
	Removed     []string // lost global IPs
	IPv6Changed bool
	IPv4Changed bool
}

// BackoffResetter is the seam netmon notifies on every detected change —
// pkg/connmgr.Manager.OnNetworkChange, kept behind an interface so this
// package doesn't depend on connmgr directly.
type BackoffResetter interface {
	OnNetworkChange()
}

// Monitor watches for network interface changes and calls onChange (and,
// if set, resets the connection manager's backoff timers) when global IP
// addresses are added or removed. The platform-specific watchNetworkChanges
// uses event-driven detection (macOS route socket, Linux Netlink) with
// polling as a fallback everywhere else.
type Monitor struct {
	onChange func(*Change)
	resetter BackoffResetter
	previous *InterfaceSummary
	log      *slog.Logger
}

// New creates a Monitor. onChange and resetter may both be nil.
func New(onChange func(*Change), resetter BackoffResetter, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{onChange: onChange, resetter: resetter, log: log}
}

// Run blocks until ctx is cancelled. It takes an initial interface
// snapshot, then watches for platform-reported changes and re-snapshots
// after a debounce window, since interface events often arrive in bursts.
func (m *Monitor) Run(ctx context.Context) {
	summary, err := DiscoverInterfaces()
	if err != nil {
		m.log.Warn("netmon: initial discovery failed", "error", err)
		summary = &InterfaceSummary{}
	}
	m.previous = summary

	eventCh := make(chan struct{}, 1)
	go watchNetworkChanges(ctx, eventCh)

	var debounceTimer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case <-eventCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(500*time.Millisecond, m.checkForChanges)
		}
	}
}

func (m *Monitor) checkForChanges() {
	current, err := DiscoverInterfaces()
	if err != nil {
		m.log.Warn("netmon: discovery failed", "error", err)
		return
	}

	change := diffSummaries(m.previous, current)
	if change == nil {
		return
	}
	m.previous = current

	m.log.Info("netmon: network change detected",
		"added", len(change.Added),
		"removed", len(change.Removed),
		"ipv6_changed", change.IPv6Changed,
		"ipv4_changed", change.IPv4Changed,
	)

	if m.resetter != nil {
		m.resetter.OnNetworkChange()
	}
	if m.onChange != nil {
		m.onChange(change)
	}
}

// diffSummaries compares two InterfaceSummary values and returns a Change
// if global IP addresses changed, or nil if nothing meaningful changed.
func diffSummaries(old, current *InterfaceSummary) *Change {
	oldIPs := ipSet(old)
	newIPs := ipSet(current)

	var added, removed []string
	for ip := range newIPs {
		if !oldIPs[ip] {
			added = append(added, ip)
		}
	}
	for ip := range oldIPs {
		if !newIPs[ip] {
			removed = append(removed, ip)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	var oldIPv6, oldIPv4 bool
	var oldIPv6Addrs, oldIPv4Addrs []string
	if old != nil {
		oldIPv6 = old.HasGlobalIPv6
		oldIPv4 = old.HasGlobalIPv4
		oldIPv6Addrs = old.GlobalIPv6Addrs
		oldIPv4Addrs = old.GlobalIPv4Addrs
	}

	return &Change{
		Added:       added,
		Removed:     removed,
		IPv6Changed: oldIPv6 != current.HasGlobalIPv6 || addrListChanged(oldIPv6Addrs, current.GlobalIPv6Addrs),
		IPv4Changed: oldIPv4 != current.HasGlobalIPv4 || addrListChanged(oldIPv4Addrs, current.GlobalIPv4Addrs),
	}
}

func ipSet(s *InterfaceSummary) map[string]bool {
	set := make(map[string]bool)
	if s == nil {
		return set
	}
	for _, ip := range s.GlobalIPv4Addrs {
		set[ip] = true
	}
	for _, ip := range s.GlobalIPv6Addrs {
		set[ip] = true
	}
	return set
}

// addrListChanged reports whether two address lists differ, ignoring order.
func addrListChanged(a, b []string) bool {
	if len(a) != len(b) {
		return true
	}
	setA := make(map[string]bool, len(a))
	for _, ip := range a {
		setA[ip] = true
	}
	for _, ip := range b {
		if !setA[ip] {
			return true
		}
	}
	return false
}
