package connmgr

import (
	"sort"

	"github.com/dchat-net/dchat/pkg/identity"
)

// Maintain implements maintain()'s pool-policy half (spec §4.5): when the
// pool exceeds Max, prune down to Target using the composite score,
// skipping bootstrap peers, peers with an active onion-circuit hop, and
// peers connected less than MinConnectionAge.
func (m *Manager) Maintain() {
	m.mu.RLock()
	count := len(m.conns)
	m.mu.RUnlock()
	if count <= m.cfg.Max {
		return
	}

	type scored struct {
		id    identity.PeerId
		conn  *Connection
		score float64
	}

	m.mu.RLock()
	candidates := make([]scored, 0, count)
	for id, conn := range m.conns {
		if m.bootstrap[id] || m.onionActive[id] {
			continue
		}
		if conn.age() < m.cfg.MinConnectionAge {
			continue
		}
		if conn.State() != StateActive {
			continue
		}
		rep := 0.0
		if m.rep != nil {
			rep = m.rep.Score(id)
		}
		s := pruneScore(conn.info(), m.latency[id], rep, m.cfg.Weights)
		candidates = append(candidates, scored{id: id, conn: conn, score: s})
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	toEvict := count - m.cfg.Target
	if toEvict > len(candidates) {
		toEvict = len(candidates)
	}
	for i := 0; i < toEvict; i++ {
		m.log.Info("connmgr: pruning connection", "peer", candidates[i].id, "score", candidates[i].score)
		_ = m.Disconnect(candidates[i].id)
		m.metrics.PrunedTotal.Inc()
	}
}
