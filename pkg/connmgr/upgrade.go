package connmgr

import (
	"context"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/nat"
)

// TryUpgrade re-dials a TURN-relayed connection to see whether a direct or
// hole-punched path now works — e.g. after a network-change event gave the
// peer (or this node) a new address — and migrates to it on success,
// closing the relayed session (SPEC_FULL.md "Connection path upgrade",
// grounded in PeerManager.ProbeAndUpgradeRelayed). It is a no-op if the
// peer isn't currently connected via TURN.
func (m *Manager) TryUpgrade(ctx context.Context, info dht.PeerInfo) error {
	conn, ok := m.Get(info.PeerID)
	if !ok || conn.Path != nat.StrategyTURN {
		return nil
	}

	sess, path, err := m.dialer.Dial(ctx, info)
	if err != nil {
		return err
	}
	if path == nat.StrategyTURN {
		_ = sess.TearDown()
		return nil
	}

	newConn := newConnection(info.PeerID, sess, path)
	m.mu.Lock()
	m.conns[info.PeerID] = newConn
	m.mu.Unlock()

	_ = conn.sess.TearDown()
	m.metrics.PathUpgrades.Inc()
	m.log.Info("connmgr: upgraded connection path", "peer", info.PeerID, "from", nat.StrategyTURN, "to", path)
	return nil
}

// UpgradeCandidates returns every TURN-relayed connection, for a caller
// (typically a netmon network-change hook) that wants to attempt
// TryUpgrade on each.
func (m *Manager) UpgradeCandidates() []Info {
	out := make([]Info, 0)
	for _, info := range m.Snapshot() {
		if info.Path == nat.StrategyTURN && info.State == StateActive {
			out = append(out, info)
		}
	}
	return out
}
