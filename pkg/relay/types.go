// Package relay implements spec §4.7's relay protocol: accepting and
// forwarding RelayMessages along a path (direct or via an onion circuit),
// signing each hop into a proof-of-delivery chain, batching verified
// proofs into Merkle-rooted windows, and submitting those roots to an
// external chain anchor (pkg/chainanchor). Bandwidth accounting gates
// forwarding and feeds pkg/reputation.
package relay

import (
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
)

// MaxRelayHops is the default forwarding cap for direct relay outside
// onion circuits (spec §4.7, config table default 3).
const MaxRelayHops = 3

// DefaultBatchSize and DefaultBatchInterval are the two batch-flush
// triggers (spec §4.7 "Batch submission"); whichever fires first closes
// the window.
const (
	DefaultBatchSize     = 100
	DefaultBatchInterval = time.Hour
)

// ProofEntry is one signed link in a RelayMessage's proof-of-delivery
// chain (spec §3 RelayMessage, §4.7 "Proof chain"): relay_id plus a
// signature over message_id concatenated with every prior entry's bytes.
type ProofEntry struct {
	RelayID   identity.PeerId
	Signature []byte
}

// RelayMessage is spec §3's RelayMessage: a message in flight along a
// relay path, accumulating proof entries as it's forwarded.
type RelayMessage struct {
	MessageID        string
	Sender           identity.PeerId
	Recipient        identity.PeerId
	HopsTraversed    []identity.PeerId
	EncryptedPayload []byte
	ProofOfDelivery  []ProofEntry
}

// encodeProofPreimage builds the bytes a hop's ProofEntry.Signature covers:
// message_id followed by every already-appended entry's relay_id and
// signature, in chain order (spec §4.7: "signature over (message_id ‖
// all_prior_proof_entries)").
func encodeProofPreimage(messageID string, prior []ProofEntry) []byte {
	out := []byte(messageID)
	for _, e := range prior {
		out = append(out, e.RelayID.Bytes()...)
		out = append(out, e.Signature...)
	}
	return out
}
