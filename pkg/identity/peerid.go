// Package identity implements the long-lived Ed25519 keypair and the
// PeerId derived from it (BLAKE3 of the public key), per spec §3 and §4.1.
package identity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/zeebo/blake3"
)

// Size is the byte length of a PeerId.
const Size = 32

// PeerId is a 32-byte identifier derived from BLAKE3(public key). It has a
// total ordering by byte comparison and supports the XOR-distance metric
// used by the DHT.
type PeerId [Size]byte

// ErrInvalidPeerIdLength is returned when decoding a PeerId from bytes or
// hex of the wrong length.
var ErrInvalidPeerIdLength = errors.New("identity: invalid peer id length")

// PeerIdFromPublicKey computes the PeerId for an Ed25519 public key.
func PeerIdFromPublicKey(pub []byte) PeerId {
	return PeerId(blake3.Sum256(pub))
}

// PeerIdFromBytes decodes a PeerId from a 32-byte slice.
func PeerIdFromBytes(b []byte) (PeerId, error) {
	var id PeerId
	if len(b) != Size {
		return id, ErrInvalidPeerIdLength
	}
	copy(id[:], b)
	return id, nil
}

// PeerIdFromHex decodes a PeerId from its hex string representation.
func PeerIdFromHex(s string) (PeerId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerId{}, err
	}
	return PeerIdFromBytes(b)
}

// String returns the hex encoding of the PeerId.
func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// Bytes returns the PeerId as a byte slice (a copy).
func (p PeerId) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, p[:])
	return out
}

// IsZero reports whether this is the zero-value PeerId.
func (p PeerId) IsZero() bool {
	return p == PeerId{}
}

// Compare gives the PeerId's total ordering by byte comparison: -1 if p < q,
// 0 if equal, 1 if p > q.
func (p PeerId) Compare(q PeerId) int {
	return bytes.Compare(p[:], q[:])
}

// Less reports whether p sorts before q under the total byte ordering.
func (p PeerId) Less(q PeerId) bool {
	return p.Compare(q) < 0
}

// Distance returns the XOR distance between two PeerIds, interpreted as a
// 256-bit unsigned integer (spec §3 "distance ... is bitwise XOR interpreted
// as a 256-bit unsigned integer").
func (p PeerId) Distance(q PeerId) *big.Int {
	var xor [Size]byte
	for i := range xor {
		xor[i] = p[i] ^ q[i]
	}
	return new(big.Int).SetBytes(xor[:])
}

// SharedPrefixLen returns the number of leading bits shared between p and q,
// i.e. the k-bucket index a peer q falls into relative to local id p
// (spec §4.2: "256 k-buckets indexed by shared_prefix_length(local, peer)").
func (p PeerId) SharedPrefixLen(q PeerId) int {
	for i := 0; i < Size; i++ {
		x := p[i] ^ q[i]
		if x == 0 {
			continue
		}
		// Count leading zero bits within this differing byte.
		n := 0
		for bit := 7; bit >= 0; bit-- {
			if x&(1<<uint(bit)) != 0 {
				break
			}
			n++
		}
		return i*8 + n
	}
	return Size * 8 // identical ids
}
