package relay

import (
	"encoding/binary"

	"github.com/zeebo/blake3"
)

// leafHash hashes one serialized proof for Merkle tree construction. The
// serialization is message_id, a big-endian u32 count of proof entries,
// then each entry's relay_id and signature: the preimage shape
// proofchain.go signs over plus the entry count, so a relay's inclusion
// proof is over bytes it already holds.
func leafHash(msg RelayMessage) [32]byte {
	h := blake3.New()
	h.Write([]byte(msg.MessageID))
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(msg.ProofOfDelivery)))
	h.Write(countBuf[:])
	for _, e := range msg.ProofOfDelivery {
		h.Write(e.RelayID.Bytes())
		h.Write(e.Signature)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hashPair combines two node hashes into their parent, pairing in
// ascending byte order so a verifier need not track left/right at each
// level (mirrors pkg/chainanchor's Mock.VerifyInclusion pairing
// convention, since both sides must agree on it for inclusion proofs to
// validate).
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

// merkleTree is a complete Merkle tree over an ordered set of leaves,
// built bottom-up; an odd node at any level is carried up unchanged
// (duplicated against itself would change its hash under the sorted-pair
// convention, so it is promoted as-is instead).
type merkleTree struct {
	levels [][][32]byte // levels[0] is the leaves
}

func buildMerkleTree(leaves [][32]byte) merkleTree {
	if len(leaves) == 0 {
		return merkleTree{}
	}
	levels := [][][32]byte{leaves}
	cur := leaves
	for len(cur) > 1 {
		next := make([][32]byte, 0, (len(cur)+1)/2)
		for i := 0; i < len(cur); i += 2 {
			if i+1 < len(cur) {
				next = append(next, hashPair(cur[i], cur[i+1]))
			} else {
				next = append(next, cur[i])
			}
		}
		levels = append(levels, next)
		cur = next
	}
	return merkleTree{levels: levels}
}

func (t merkleTree) root() [32]byte {
	if len(t.levels) == 0 {
		return [32]byte{}
	}
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// inclusionPath returns the bottom-up sibling hashes proving leafIndex is
// part of the tree, for a relay to later present to the chain anchor.
func (t merkleTree) inclusionPath(leafIndex int) [][32]byte {
	var siblings [][32]byte
	idx := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibIdx int
		if idx%2 == 0 {
			sibIdx = idx + 1
		} else {
			sibIdx = idx - 1
		}
		if sibIdx < len(nodes) {
			siblings = append(siblings, nodes[sibIdx])
		}
		idx /= 2
	}
	return siblings
}
