package onion

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/dchat-net/dchat/pkg/identity"
)

// HopDialer is the network seam circuit construction and data relaying go
// through, mirroring the Dialer pattern pkg/connmgr and pkg/dht use to keep
// this package independent of the transport implementation (cmd/dchatd
// passes pkg/rpc's Router).
type HopDialer interface {
	// ExtendHop performs one hop's authenticated DH handshake. message is
	// this node's encoded onion-extend request for hop; tunnelThrough lists
	// the hops already in the circuit (empty for the first hop).
	// It returns the relay's raw handshake response.
	ExtendHop(ctx context.Context, circuitID string, hop identity.PeerId, hopAddr string, tunnelThrough []identity.PeerId, message []byte) ([]byte, error)

	// Forward relays a fully-encoded Sphinx packet to the circuit's first
	// hop. circuitID travels alongside the packet in the clear at each
	// link, the same way a local circuit id accompanies a Tor cell; only
	// the layered Sphinx body is encrypted.
	Forward(ctx context.Context, circuitID string, firstHopAddr string, packet []byte) error

	// Teardown sends a tear-down control cell to the circuit's first hop.
	Teardown(ctx context.Context, circuitID string, firstHopAddr string) error
}

// extendRequest is the plaintext of an onion CREATE/EXTEND message: our
// ephemeral X25519 public key, authenticated by our long-term identity the
// same way pkg/session's Noise-XX handshake binds its ephemeral static key.
type extendRequest struct {
	ephemeralPub [32]byte
	identityPub  []byte
	sig          []byte
}

func encodeExtendMessage(r extendRequest) []byte {
	out := make([]byte, 0, 32+2+len(r.identityPub)+2+len(r.sig))
	out = append(out, r.ephemeralPub[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.identityPub)))
	out = append(out, r.identityPub...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(r.sig)))
	out = append(out, r.sig...)
	return out
}

func decodeExtendMessage(b []byte) (ephemeralPub [32]byte, identityPub, sig []byte, err error) {
	if len(b) < 32+2 {
		return ephemeralPub, nil, nil, fmt.Errorf("onion: truncated extend response")
	}
	copy(ephemeralPub[:], b[:32])
	b = b[32:]
	idLen := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	if len(b) < int(idLen)+2 {
		return ephemeralPub, nil, nil, fmt.Errorf("onion: truncated identity in extend response")
	}
	identityPub = b[:idLen]
	b = b[idLen:]
	sigLen := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	if len(b) < int(sigLen) {
		return ephemeralPub, nil, nil, fmt.Errorf("onion: truncated signature in extend response")
	}
	sig = b[:sigLen]
	return ephemeralPub, identityPub, sig, nil
}

// buildCircuitHops performs the sequential authenticated DH exchange of
// spec §4.6 "Circuit construction": for each hop i, an exchange tunneled
// through hops 1..i-1, deriving a per-hop shared secret. Total cost is
// length round-trips; the caller transitions Building -> Active once the
// last hop confirms.
func buildCircuitHops(ctx context.Context, local *identity.KeyPair, dialer HopDialer, circuitID string, path []hopPlan) ([]hopKey, error) {
	hops := make([]hopKey, 0, len(path))
	var tunnelThrough []identity.PeerId

	for _, hop := range path {
		ephPriv, ephPub, err := newEphemeral()
		if err != nil {
			return nil, fmt.Errorf("onion: generate ephemeral for hop %s: %w", hop.ID, err)
		}
		req := extendRequest{
			ephemeralPub: ephPub,
			identityPub:  []byte(local.Public),
			sig:          local.Sign(ephPub[:]),
		}

		resp, err := dialer.ExtendHop(ctx, circuitID, hop.ID, hop.Addr, tunnelThrough, encodeExtendMessage(req))
		if err != nil {
			return nil, fmt.Errorf("%w: hop %s: %v", ErrHopFailure, hop.ID, err)
		}
		remoteEphPub, remoteIdentityPub, sig, err := decodeExtendMessage(resp)
		if err != nil {
			return nil, fmt.Errorf("%w: hop %s: %v", ErrHopFailure, hop.ID, err)
		}
		if !identity.VerifyPeerID(hop.ID, remoteIdentityPub) {
			return nil, fmt.Errorf("%w: hop %s: identity mismatch", ErrHopFailure, hop.ID)
		}
		if !identity.Verify(remoteIdentityPub, remoteEphPub[:], sig) {
			return nil, fmt.Errorf("%w: hop %s: bad signature", ErrHopFailure, hop.ID)
		}

		shared, err := curve25519.X25519(ephPriv[:], remoteEphPub[:])
		if err != nil {
			return nil, fmt.Errorf("onion: hop %s dh: %w", hop.ID, err)
		}
		key, err := derivePerHopKey(shared, circuitID, hop.ID)
		if err != nil {
			return nil, err
		}

		hops = append(hops, hopKey{peer: hop.ID, addr: hop.Addr, key: key})
		tunnelThrough = append(tunnelThrough, hop.ID)
	}
	return hops, nil
}

func newEphemeral() (priv, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, err
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], p)
	return priv, pub, nil
}

// derivePerHopKey turns the raw X25519 shared secret into the 32-byte
// ChaCha20-Poly1305 key used for that hop's Sphinx layer, salted with the
// circuit id and hop identity so the same two nodes never reuse a key
// across circuits.
func derivePerHopKey(shared []byte, circuitID string, hop identity.PeerId) ([]byte, error) {
	salt := sha256.Sum256(append([]byte(circuitID), hop.Bytes()...))
	r := hkdf.New(sha256.New, shared, salt[:], []byte("dchat-onion-hop"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("onion: hkdf expand hop key: %w", err)
	}
	return out, nil
}
