package session

import (
	"encoding/binary"
	"fmt"

	"github.com/dchat-net/dchat/pkg/identity"
)

// DeliveryReceipt is the signed acknowledgement of spec §4.1: proof, to the
// original sender, that a specific message reached a specific peer at a
// specific time.
type DeliveryReceipt struct {
	MessageID   [32]byte
	ReceivedAt  int64 // unix millis
	Signer      identity.PeerId
	Signature   []byte
}

// receiptMessage renders the signed body as message_id ‖ received_at_ms
// (big-endian), matching the byte layout verifiers reconstruct.
func receiptMessage(messageID [32]byte, receivedAtMs int64) []byte {
	buf := make([]byte, 32+8)
	copy(buf, messageID[:])
	binary.BigEndian.PutUint64(buf[32:], uint64(receivedAtMs))
	return buf
}

// SignDeliveryReceipt produces a DeliveryReceipt for messageID, signed by
// the local identity at the given receipt time.
func SignDeliveryReceipt(local *identity.KeyPair, messageID [32]byte, receivedAtMs int64) DeliveryReceipt {
	sig := local.Sign(receiptMessage(messageID, receivedAtMs))
	return DeliveryReceipt{
		MessageID:  messageID,
		ReceivedAt: receivedAtMs,
		Signer:     local.PeerID(),
		Signature:  sig,
	}
}

// VerifyDeliveryReceipt checks that signerPub actually produced r and that
// it identifies r.Signer.
func VerifyDeliveryReceipt(r DeliveryReceipt, signerPub []byte) error {
	if !identity.VerifyPeerID(r.Signer, signerPub) {
		return fmt.Errorf("session: receipt signer %s does not match public key", r.Signer)
	}
	if !identity.Verify(signerPub, receiptMessage(r.MessageID, r.ReceivedAt), r.Signature) {
		return fmt.Errorf("session: receipt signature invalid for message %x", r.MessageID)
	}
	return nil
}
