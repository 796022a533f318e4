package relay

import (
	"crypto/ed25519"

	"github.com/dchat-net/dchat/pkg/identity"
)

// AppendProof signs and appends this relay's entry to msg's proof chain
// (spec §4.7: "On forwarding, append {relay_id, signature over
// (message_id ‖ all_prior_proof_entries)}"). The returned message is a
// shallow copy with the chain extended; the original is left untouched so
// a failed forward doesn't leave a partially-mutated message in the
// caller's hands.
func AppendProof(msg RelayMessage, local *identity.KeyPair) RelayMessage {
	preimage := encodeProofPreimage(msg.MessageID, msg.ProofOfDelivery)
	entry := ProofEntry{
		RelayID:   local.PeerID(),
		Signature: local.Sign(preimage),
	}
	out := msg
	out.ProofOfDelivery = append(append([]ProofEntry{}, msg.ProofOfDelivery...), entry)
	out.HopsTraversed = append(append([]identity.PeerId{}, msg.HopsTraversed...), local.PeerID())
	return out
}

// ValidateChain verifies that a RelayMessage's proof chain is an unbroken
// signature-over-signature sequence: each entry's signature must verify
// against its signer's public key over message_id plus every entry before
// it, and (when path is non-nil) the chain's relay_ids must match path in
// order (spec §4.7: "verifies that the chain forms an unbroken
// signature-over-signature sequence matching the circuit path").
//
// pubKeyOf resolves a PeerId to the Ed25519 public key needed to verify its
// signature; callers typically back this with the DHT routing table or
// connection manager's known-peer set.
func ValidateChain(msg RelayMessage, path []identity.PeerId, pubKeyOf func(identity.PeerId) (ed25519.PublicKey, bool)) error {
	if path != nil {
		if len(msg.ProofOfDelivery) > len(path) {
			return ErrBrokenProofChain
		}
		for i, entry := range msg.ProofOfDelivery {
			if entry.RelayID != path[i] {
				return ErrBrokenProofChain
			}
		}
	}

	for i, entry := range msg.ProofOfDelivery {
		pub, ok := pubKeyOf(entry.RelayID)
		if !ok {
			return ErrUnknownRelay
		}
		preimage := encodeProofPreimage(msg.MessageID, msg.ProofOfDelivery[:i])
		if !identity.Verify(pub, preimage, entry.Signature) {
			return ErrBrokenProofChain
		}
	}
	return nil
}
