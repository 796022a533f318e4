package onion

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// sphinxNonce derives the 12-byte ChaCha20-Poly1305 nonce for the packet at
// the given send index on a circuit, the same "counter as nonce" framing
// pkg/session uses for its own AEAD.
func sphinxNonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// encodeLayers builds a constant-size Sphinx packet by nesting AEAD layers
// from the innermost (final recipient) outward, one per hop (spec §4.6
// "Sphinx layered encoding"). hops is ordered first-hop-first; finalPayload
// is what the last hop delivers.
func encodeLayers(hops []hopKey, counter uint64, finalPayload []byte) ([]byte, error) {
	inner := append([]byte{1}, finalPayload...) // isFinal=1, payload follows

	for i := len(hops) - 1; i >= 0; i-- {
		aead, err := chacha20poly1305.New(hops[i].key)
		if err != nil {
			return nil, fmt.Errorf("onion: hop %d aead: %w", i, err)
		}
		sealed := aead.Seal(nil, sphinxNonce(counter), inner, nil)

		if i == 0 {
			inner = sealed
			break
		}
		nextAddr := hops[i].addr
		plain := make([]byte, 0, 1+2+len(nextAddr)+len(sealed))
		plain = append(plain, 0) // isFinal=0
		plain = binary.BigEndian.AppendUint16(plain, uint16(len(nextAddr)))
		plain = append(plain, nextAddr...)
		plain = append(plain, sealed...)
		inner = plain
	}

	return padToPacketSize(inner)
}

// padToPacketSize pads body with random bytes up to SphinxPacketSize,
// prefixed with a u16 real-length so a peeling hop can recover the layer
// without the padding corrupting it. Every wire packet is exactly
// SphinxPacketSize bytes, so packet size carries no path-length signal.
func padToPacketSize(body []byte) ([]byte, error) {
	if len(body)+1+2 > SphinxPacketSize {
		return nil, ErrPacketTooLarge
	}
	out := make([]byte, SphinxPacketSize)
	out[0] = sphinxVersion
	binary.BigEndian.PutUint16(out[1:3], uint16(len(body)))
	copy(out[3:], body)
	if _, err := rand.Read(out[3+len(body):]); err != nil {
		return nil, fmt.Errorf("onion: pad packet: %w", err)
	}
	return out, nil
}

// peeledLayer is what a relay (or the circuit owner, for loopback tests)
// recovers by peeling one Sphinx layer.
type peeledLayer struct {
	isFinal  bool
	nextAddr string
	payload  []byte // only set when isFinal
	repadded []byte // the packet to forward, re-padded to SphinxPacketSize
}

// peelLayer verifies and strips the outermost layer using key, the shared
// secret a relay negotiated for this hop during circuit construction. On
// MAC failure it returns ErrMACMismatch and the packet must be dropped
// (spec §4.6: "verifies the MAC (drop on failure)").
func peelLayer(packet []byte, key []byte, counter uint64) (peeledLayer, error) {
	if len(packet) != SphinxPacketSize {
		return peeledLayer{}, fmt.Errorf("onion: packet is not %d bytes", SphinxPacketSize)
	}
	bodyLen := binary.BigEndian.Uint16(packet[1:3])
	if int(bodyLen) > SphinxPacketSize-3 {
		return peeledLayer{}, fmt.Errorf("onion: malformed packet length %d", bodyLen)
	}
	sealed := packet[3 : 3+int(bodyLen)]

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return peeledLayer{}, fmt.Errorf("onion: aead: %w", err)
	}
	plain, err := aead.Open(nil, sphinxNonce(counter), sealed, nil)
	if err != nil {
		return peeledLayer{}, ErrMACMismatch
	}

	if len(plain) == 0 {
		return peeledLayer{}, fmt.Errorf("onion: empty layer")
	}
	if plain[0] == 1 {
		return peeledLayer{isFinal: true, payload: plain[1:]}, nil
	}

	rest := plain[1:]
	if len(rest) < 2 {
		return peeledLayer{}, fmt.Errorf("onion: truncated routing header")
	}
	addrLen := binary.BigEndian.Uint16(rest[:2])
	rest = rest[2:]
	if len(rest) < int(addrLen) {
		return peeledLayer{}, fmt.Errorf("onion: truncated next-hop address")
	}
	addr := string(rest[:addrLen])
	innerLayer := rest[addrLen:]

	repadded, err := padToPacketSize(innerLayer)
	if err != nil {
		return peeledLayer{}, err
	}
	return peeledLayer{isFinal: false, nextAddr: addr, repadded: repadded}, nil
}
