// Package chainanchor defines the external chain-anchor collaborator
// contract: the boundary across which pkg/relay submits proof-of-delivery
// batch roots and across which relays later prove Merkle inclusion to
// claim rewards. Chain-side semantics (consensus, reward issuance,
// on-chain storage) are out of scope; only the submission/verification
// contract and an in-memory mock for tests are provided here.
package chainanchor

import (
	"context"
	"time"
)

// BatchSubmission is what pkg/relay hands the chain anchor at the close of
// a proof-of-delivery window (spec §4.7 "Batch submission").
type BatchSubmission struct {
	WindowID    string
	MerkleRoot  [32]byte
	WindowStart time.Time
	WindowEnd   time.Time
	ProofCount  int
	RelayIDs    []string // distinct relay_ids that appear in the batch's proofs
}

// AnchorReceipt is returned once a submission is durably recorded by the
// chain side.
type AnchorReceipt struct {
	AnchorID   string
	WindowID   string
	AnchoredAt time.Time
}

// InclusionProof is a Merkle authentication path a relay presents to claim
// a reward for one proof within an already-anchored batch.
type InclusionProof struct {
	WindowID  string
	LeafHash  [32]byte
	Siblings  [][32]byte // bottom-up sibling hashes
	LeafIndex int
}

// Anchor is the collaborator contract: submit a batch root, and later
// verify a claimed inclusion proof against an anchored root. Implementers
// are expected to be chain-specific; this package only ships Submit/Verify
// shapes plus a Mock for isolated testing (spec §1 "testable in isolation
// against a mock chain anchor").
type Anchor interface {
	Submit(ctx context.Context, batch BatchSubmission) (AnchorReceipt, error)
	VerifyInclusion(ctx context.Context, proof InclusionProof) (bool, error)
}
