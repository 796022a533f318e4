package connmgr

import (
	"time"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/reputation"
)

// runReconnectCycle schedules reconnection attempts for Failed connections
// that are eligible under spec §4.5's "automatic reconnection" rule: the
// peer must still be in the routing table with reputation at or above the
// poor tier, and must not have exhausted MaxReconnectAttempts.
func (m *Manager) runReconnectCycle() {
	now := time.Now()
	for _, info := range m.Snapshot() {
		if info.State != StateFailed {
			continue
		}
		if !m.reconnectEligible(info.PeerID) {
			m.evictFailed(info.PeerID)
			continue
		}

		m.reconnMu.Lock()
		st, ok := m.reconn[info.PeerID]
		if !ok {
			st = &reconnectState{}
			m.reconn[info.PeerID] = st
		}
		ready := now.After(st.backoffUntil) || st.backoffUntil.IsZero()
		m.reconnMu.Unlock()
		if !ready {
			continue
		}

		if st.attempts >= m.cfg.MaxReconnectAttempts {
			m.log.Info("connmgr: giving up on peer after max reconnect attempts", "peer", info.PeerID)
			m.evictFailed(info.PeerID)
			continue
		}

		go m.attemptReconnect(info.PeerID, st)
	}
}

// reconnectEligible reports whether id is still known to the routing table
// with at least poor-tier reputation.
func (m *Manager) reconnectEligible(id identity.PeerId) bool {
	if m.rt == nil {
		return true
	}
	closest := m.rt.ClosestPeers(id, 1)
	if len(closest) == 0 || closest[0].PeerID != id {
		return false
	}
	if m.rep == nil {
		return true
	}
	return m.rep.Tier(id) != reputation.TierBad
}

func (m *Manager) attemptReconnect(id identity.PeerId, st *reconnectState) {
	ctx := m.ctx
	info := dht.PeerInfo{PeerID: id}
	if closest := m.rt.ClosestPeers(id, 1); len(closest) > 0 && closest[0].PeerID == id {
		info = closest[0]
	}

	_, err := m.Connect(ctx, info)

	m.reconnMu.Lock()
	defer m.reconnMu.Unlock()
	if err != nil {
		st.attempts++
		backoff := m.cfg.ReconnectBackoffBase * (1 << min(st.attempts, 10))
		if backoff > m.cfg.ReconnectBackoffMax {
			backoff = m.cfg.ReconnectBackoffMax
		}
		st.backoffUntil = time.Now().Add(backoff)
		m.metrics.ReconnectTotal.WithLabelValues("failure").Inc()
		m.log.Debug("connmgr: reconnect failed", "peer", id, "attempts", st.attempts, "backoff", backoff)
		return
	}

	delete(m.reconn, id)
	m.metrics.ReconnectTotal.WithLabelValues("success").Inc()
	m.log.Info("connmgr: reconnected", "peer", id)
}

// evictFailed removes a Failed connection entirely and clears its
// reconnect state, so it is no longer tracked by either the pool or the
// reconnect loop.
func (m *Manager) evictFailed(id identity.PeerId) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
	m.reconnMu.Lock()
	delete(m.reconn, id)
	m.reconnMu.Unlock()
}
