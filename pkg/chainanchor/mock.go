package chainanchor

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// Mock is an in-memory Anchor for isolated testing (spec §1). It records
// every submitted batch root and can verify inclusion proofs against
// whichever root the proof's window was anchored under, the same leaf
// pairing convention pkg/relay's Merkle builder uses (sorted concatenation
// of BLAKE3 hashes, recomputed bottom-up from leaf to root).
type Mock struct {
	mu      sync.Mutex
	batches map[string]BatchSubmission
}

func NewMock() *Mock {
	return &Mock{batches: make(map[string]BatchSubmission)}
}

func (m *Mock) Submit(ctx context.Context, batch BatchSubmission) (AnchorReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[batch.WindowID]; exists {
		return AnchorReceipt{}, fmt.Errorf("chainanchor: window %s already anchored", batch.WindowID)
	}
	m.batches[batch.WindowID] = batch
	anchorID, err := contentAnchorID(batch)
	if err != nil {
		return AnchorReceipt{}, fmt.Errorf("chainanchor: derive anchor id: %w", err)
	}
	return AnchorReceipt{
		AnchorID:   anchorID,
		WindowID:   batch.WindowID,
		AnchoredAt: batch.WindowEnd,
	}, nil
}

// contentAnchorID derives a content-addressed id for a batch from its
// Merkle root, so the same root always anchors under the same id
// regardless of which relay computed it (real chain anchors are
// content-addressed the same way: the submission's identity is a function
// of what it commits to, not an arbitrary counter).
func contentAnchorID(batch BatchSubmission) (string, error) {
	sum, err := mh.Sum(batch.MerkleRoot[:], mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyInclusion recomputes the path from proof.LeafHash up through
// proof.Siblings and compares the result against the root anchored for
// proof.WindowID. Sibling order is bottom-up; at each level the current
// hash and its sibling are concatenated in ascending byte order before
// hashing, so the verifier does not need a left/right flag per level.
func (m *Mock) VerifyInclusion(ctx context.Context, proof InclusionProof) (bool, error) {
	m.mu.Lock()
	batch, ok := m.batches[proof.WindowID]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("chainanchor: unknown window %s", proof.WindowID)
	}

	cur := proof.LeafHash
	for _, sib := range proof.Siblings {
		cur = hashPair(cur, sib)
	}
	return cur == batch.MerkleRoot, nil
}

func hashPair(a, b [32]byte) [32]byte {
	var left, right [32]byte
	if lessBytes(a[:], b[:]) {
		left, right = a, b
	} else {
		left, right = b, a
	}
	h := blake3.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
