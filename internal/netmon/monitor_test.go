package netmon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiffSummariesNoChange(t *testing.T) {
	a := &InterfaceSummary{
		HasGlobalIPv4:   true,
		HasGlobalIPv6:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
		GlobalIPv6Addrs: []string{"2001:db8::1"},
	}
	b := &InterfaceSummary{
		HasGlobalIPv4:   true,
		HasGlobalIPv6:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
		GlobalIPv6Addrs: []string{"2001:db8::1"},
	}

	if change := diffSummaries(a, b); change != nil {
		t.Errorf("expected nil change, got %+v", change)
	}
}

func TestDiffSummariesIPAdded(t *testing.T) {
	old := &InterfaceSummary{
		HasGlobalIPv4:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
	}
	current := &InterfaceSummary{
		HasGlobalIPv4:   true,
		HasGlobalIPv6:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
		GlobalIPv6Addrs: []string{"2001:db8::1"},
	}

	change := diffSummaries(old, current)
	if change == nil {
		t.Fatal("expected change, got nil")
	}
	if len(change.Added) != 1 || change.Added[0] != "2001:db8::1" {
		t.Errorf("Added = %v, want [2001:db8::1]", change.Added)
	}
	if len(change.Removed) != 0 {
		t.Errorf("Removed = %v, want []", change.Removed)
	}
	if !change.IPv6Changed {
		t.Error("expected IPv6Changed=true")
	}
}

func TestDiffSummariesIPRemoved(t *testing.T) {
	old := &InterfaceSummary{
		HasGlobalIPv4:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50", "198.51.100.9"},
	}
	current := &InterfaceSummary{
		HasGlobalIPv4:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
	}

	change := diffSummaries(old, current)
	if change == nil {
		t.Fatal("expected change, got nil")
	}
	if len(change.Removed) != 1 || change.Removed[0] != "198.51.100.9" {
		t.Errorf("Removed = %v, want [198.51.100.9]", change.Removed)
	}
	if !change.IPv4Changed {
		t.Error("expected IPv4Changed=true")
	}
}

func TestDiscoverInterfacesFromFiltersPrivateAndLinkLocal(t *testing.T) {
	// discoverInterfacesFrom's filtering logic (isGlobalIPv4/isGlobalIPv6)
	// is exercised indirectly through DiscoverInterfaces on whatever
	// interfaces this machine actually has; a private-only interface
	// contributes nothing to the global address lists.
	summary, err := DiscoverInterfaces()
	if err != nil {
		t.Fatalf("DiscoverInterfaces: %v", err)
	}
	for _, addr := range summary.GlobalIPv4Addrs {
		if isPrivateV4Literal(addr) {
			t.Errorf("private address %q leaked into GlobalIPv4Addrs", addr)
		}
	}
}

func isPrivateV4Literal(addr string) bool {
	if len(addr) >= 3 && addr[:3] == "10." {
		return true
	}
	return len(addr) >= 8 && addr[:8] == "192.168."
}

type fakeResetter struct {
	calls int32
}

func (f *fakeResetter) OnNetworkChange() {
	atomic.AddInt32(&f.calls, 1)
}

func TestMonitorCheckForChangesNotifiesResetterAndCallback(t *testing.T) {
	resetter := &fakeResetter{}
	notified := make(chan *Change, 1)
	m := New(func(c *Change) { notified <- c }, resetter, slog.Default())
	m.previous = &InterfaceSummary{
		HasGlobalIPv4:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50"},
	}

	// Simulate DiscoverInterfaces returning a changed summary by diffing
	// directly against a synthetic "current" snapshot and driving the same
	// notification path checkForChanges would.
	current := &InterfaceSummary{
		HasGlobalIPv4:   true,
		GlobalIPv4Addrs: []string{"203.0.113.50", "198.51.100.9"},
	}
	change := diffSummaries(m.previous, current)
	if change == nil {
		t.Fatal("expected a detected change")
	}
	m.previous = current
	if m.resetter != nil {
		m.resetter.OnNetworkChange()
	}
	if m.onChange != nil {
		m.onChange(change)
	}

	if atomic.LoadInt32(&resetter.calls) != 1 {
		t.Fatalf("expected resetter called once, got %d", resetter.calls)
	}
	select {
	case got := <-notified:
		if len(got.Added) != 1 || got.Added[0] != "198.51.100.9" {
			t.Fatalf("unexpected change delivered: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("onChange callback was not invoked")
	}
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	m := New(nil, nil, slog.Default())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
