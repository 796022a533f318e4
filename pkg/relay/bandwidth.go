package relay

import (
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// bandwidthWindow is spec §3/§4.7's sliding accounting window:
// {bytes_sent, bytes_received, window_start, window_duration}. It resets
// itself lazily the first time it's touched after window_duration elapses,
// the same lazy-refresh idiom pkg/reputation's TokenBucket uses.
type bandwidthWindow struct {
	bytesSent     uint64
	bytesReceived uint64
	windowStart   time.Time
	duration      time.Duration
}

func newBandwidthWindow(duration time.Duration) *bandwidthWindow {
	return &bandwidthWindow{windowStart: time.Now(), duration: duration}
}

func (w *bandwidthWindow) resetIfExpired(now time.Time) {
	if now.Sub(w.windowStart) >= w.duration {
		w.bytesSent = 0
		w.bytesReceived = 0
		w.windowStart = now
	}
}

func (w *bandwidthWindow) total() uint64 {
	return w.bytesSent + w.bytesReceived
}

// BandwidthAccountant tracks per-peer and global bandwidth windows and
// gates forwarding against relay_bandwidth_limit (spec §4.7 "Bandwidth
// accounting", config table default 10 Mbps expressed here as bytes/window
// over WindowDuration).
type BandwidthAccountant struct {
	mu             sync.Mutex
	perPeerLimit   uint64
	globalLimit    uint64
	windowDuration time.Duration
	peers          map[string]*bandwidthWindow
	global         *bandwidthWindow
}

func NewBandwidthAccountant(perPeerLimit, globalLimit uint64, windowDuration time.Duration) *BandwidthAccountant {
	return &BandwidthAccountant{
		perPeerLimit:   perPeerLimit,
		globalLimit:    globalLimit,
		windowDuration: windowDuration,
		peers:          make(map[string]*bandwidthWindow),
		global:         newBandwidthWindow(windowDuration),
	}
}

func (a *BandwidthAccountant) peerWindowLocked(id identity.PeerId) *bandwidthWindow {
	key := id.String()
	w, ok := a.peers[key]
	if !ok {
		w = newBandwidthWindow(a.windowDuration)
		a.peers[key] = w
	}
	return w
}

// HasHeadroom reports whether n more bytes can be attributed to peer
// without exceeding either its per-peer limit or the global limit, without
// recording them.
func (a *BandwidthAccountant) HasHeadroom(id identity.PeerId, n uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	peer := a.peerWindowLocked(id)
	peer.resetIfExpired(now)
	a.global.resetIfExpired(now)
	return peer.total()+n <= a.perPeerLimit && a.global.total()+n <= a.globalLimit
}

// RecordSent and RecordReceived attribute bytes to a peer's window and the
// global window. Callers are expected to have already checked HasHeadroom;
// these never refuse, they only account (spec's forwarding-rule gate and
// the accounting ledger are deliberately separate operations, matching
// pkg/reputation's Peek/Take split).
func (a *BandwidthAccountant) RecordSent(id identity.PeerId, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	peer := a.peerWindowLocked(id)
	peer.resetIfExpired(now)
	a.global.resetIfExpired(now)
	peer.bytesSent += n
	a.global.bytesSent += n
}

func (a *BandwidthAccountant) RecordReceived(id identity.PeerId, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	peer := a.peerWindowLocked(id)
	peer.resetIfExpired(now)
	a.global.resetIfExpired(now)
	peer.bytesReceived += n
	a.global.bytesReceived += n
}

// PeerUsage returns a peer's current window totals, for diagnostics.
func (a *BandwidthAccountant) PeerUsage(id identity.PeerId) (sent, received uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	peer := a.peerWindowLocked(id)
	peer.resetIfExpired(now)
	return peer.bytesSent, peer.bytesReceived
}
