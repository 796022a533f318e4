// Package gossip implements the flat, topic-less broadcast protocol of
// spec §4.3: publish/subscribe over an unstructured overlay with bounded
// fanout, duplicate suppression, and reputation-backed flood control.
package gossip

import (
	"crypto/ed25519"
	"encoding/binary"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dchat-net/dchat/pkg/identity"
)

// GossipMessage is spec §3's GossipMessage. Immutable after creation; TTL
// is decremented on a local copy as it is forwarded, never mutated in
// place on a shared value.
type GossipMessage struct {
	MessageID   [32]byte
	Sender      identity.PeerId
	TTL         uint8
	Payload     []byte
	TimestampMs int64
	Signature   []byte
}

// computeMessageID derives message_id = BLAKE3(payload ‖ sender ‖
// timestamp_ms) per spec §3.
func computeMessageID(payload []byte, sender identity.PeerId, timestampMs int64) [32]byte {
	buf := make([]byte, 0, len(payload)+identity.Size+8)
	buf = append(buf, payload...)
	buf = append(buf, sender[:]...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMs))
	buf = append(buf, ts[:]...)
	return blake3.Sum256(buf)
}

// NewGossipMessage builds and signs a fresh message for publish. The
// signature covers message_id, which already binds payload, sender, and
// timestamp, so it transitively covers all three.
func NewGossipMessage(local *identity.KeyPair, payload []byte, ttl uint8) GossipMessage {
	ts := time.Now().UnixMilli()
	id := computeMessageID(payload, local.PeerID(), ts)
	return GossipMessage{
		MessageID:   id,
		Sender:      local.PeerID(),
		TTL:         ttl,
		Payload:     payload,
		TimestampMs: ts,
		Signature:   local.Sign(id[:]),
	}
}

// VerifySignature checks that senderPub both hashes to m.Sender and
// produced m.Signature, mirroring session.VerifyDeliveryReceipt's two-step
// check (spec §4.3 step 3).
func (m GossipMessage) VerifySignature(senderPub ed25519.PublicKey) bool {
	if !identity.VerifyPeerID(m.Sender, senderPub) {
		return false
	}
	return identity.Verify(senderPub, m.MessageID[:], m.Signature)
}

// withTTL returns a copy of m with TTL replaced, leaving the original
// untouched (GossipMessage is immutable after creation per spec §3).
func (m GossipMessage) withTTL(ttl uint8) GossipMessage {
	m.TTL = ttl
	return m
}
