package connmgr

import (
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// healthCheckLoop sends a PING on every active connection every
// HealthCheckInterval and evaluates PONGs received within
// HealthCheckTimeout, plus evicts idle connections (spec §4.5).
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runHealthCheckCycle()
			m.evictIdle()
		}
	}
}

// runHealthCheckCycle pings every active connection. The caller's receive
// loop (owned by whoever reads application data off the session) reports
// the reply via RecordPong; armPongTimeout schedules the other half of that
// handoff, so a peer that accepts the PING write but never replies is
// caught by its own deadline rather than only by the next write error.
func (m *Manager) runHealthCheckCycle() {
	for _, info := range m.Snapshot() {
		conn, ok := m.Get(info.PeerID)
		if !ok || conn.State() != StateActive {
			continue
		}
		if err := conn.sess.Ping(); err != nil {
			m.recordHealthFailure(conn)
			continue
		}
		m.armPongTimeout(conn)
	}
}

// armPongTimeout records that a PING was just sent and schedules a check
// HealthCheckTimeout later: if conn is still waiting on that exact PING
// (nothing cleared pongPending in the meantime, via RecordPong or a newer
// PING overwriting lastPingSentAt), it counts as one health-check failure.
func (m *Manager) armPongTimeout(conn *Connection) {
	now := time.Now()
	conn.mu.Lock()
	conn.lastPingSentAt = now
	conn.pongPending = true
	conn.mu.Unlock()

	time.AfterFunc(m.cfg.HealthCheckTimeout, func() {
		conn.mu.Lock()
		timedOut := conn.pongPending && conn.lastPingSentAt.Equal(now)
		if timedOut {
			conn.pongPending = false
		}
		conn.mu.Unlock()
		if timedOut {
			m.recordHealthFailure(conn)
		}
	})
}

// RecordPong must be called by the caller's receive loop whenever a PONG
// frame is observed for id, resetting its consecutive-failure counter and
// clearing the pending deadline armPongTimeout scheduled for the PING it
// answers. When HealthCheckTimeout elapses with no PONG, armPongTimeout
// records the failure itself; RecordPongTimeout records one on demand.
func (m *Manager) RecordPong(id identity.PeerId) {
	conn, ok := m.Get(id)
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.consecHealthFailures = 0
	conn.pongPending = false
	conn.lastActivity = time.Now()
	conn.mu.Unlock()
}

// RecordPongTimeout marks one health-check failure for id. After
// HealthFailThreshold consecutive failures the connection transitions to
// Failed(HealthCheck) and becomes a reconnect candidate.
func (m *Manager) RecordPongTimeout(id identity.PeerId) {
	conn, ok := m.Get(id)
	if !ok {
		return
	}
	m.recordHealthFailure(conn)
}

func (m *Manager) recordHealthFailure(conn *Connection) {
	conn.mu.Lock()
	conn.consecHealthFailures++
	failed := conn.consecHealthFailures >= m.cfg.HealthFailThreshold
	if failed {
		conn.state = StateFailed
		conn.failureReason = FailureHealthCheck
	}
	conn.mu.Unlock()

	m.metrics.HealthCheckFailed.Inc()
	if failed {
		m.log.Warn("connmgr: connection failed health check", "peer", conn.PeerID)
	}
}

// evictIdle disconnects connections with no traffic for IdleTimeout (spec
// §4.5 "idle timeout").
func (m *Manager) evictIdle() {
	for _, info := range m.Snapshot() {
		if info.State != StateActive {
			continue
		}
		if info.IdleTime >= m.cfg.IdleTimeout {
			m.log.Info("connmgr: disconnecting idle peer", "peer", info.PeerID, "idle", info.IdleTime)
			_ = m.Disconnect(info.PeerID)
		}
	}
}
