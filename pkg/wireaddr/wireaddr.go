// Package wireaddr implements spec §6's PeerAddress: a composable path of
// protocol layers (e.g. /ip4/<addr>/tcp/<port>) terminated by a PeerId,
// shared by pkg/dht, pkg/connmgr, and pkg/nat wherever a peer's reachable
// endpoint needs to travel on the wire or in a config file.
package wireaddr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dchat-net/dchat/pkg/identity"
)

// p2pSegment is the textual terminator spec §6 appends a PeerId under:
// ".../p2p/<peer_id_hex>". dchat's PeerId is a raw BLAKE3 hash rather than
// a libp2p multihash-wrapped key, so it travels as a plain hex segment
// parsed by this package rather than as a registered multiaddr protocol.
const p2pSegment = "/p2p/"

// PeerAddress is spec §3/§6's PeerAddress: a transport multiaddr
// (protocol layers like /ip4/.../tcp/...) paired with the PeerId it
// terminates in.
type PeerAddress struct {
	Transport ma.Multiaddr
	PeerID    identity.PeerId
}

// Parse accepts either a bare transport multiaddr (no PeerId, used for
// bootstrap seeds before a handshake has identified the peer) or one
// ending in "/p2p/<peer_id_hex>", textually
// "/ip4/<addr>/tcp/<port>/p2p/<peer_id_hex>" per spec §6. The transport
// prefix is parsed and validated by go-multiaddr; only the trailing peer
// id segment is handled here.
func Parse(s string) (PeerAddress, error) {
	transportText := s
	var id identity.PeerId
	hasID := false

	if idx := strings.LastIndex(s, p2pSegment); idx >= 0 {
		transportText = s[:idx]
		hex := s[idx+len(p2pSegment):]
		parsed, err := identity.PeerIdFromHex(hex)
		if err != nil {
			return PeerAddress{}, fmt.Errorf("wireaddr: invalid peer id in %q: %w", s, err)
		}
		id = parsed
		hasID = true
	}

	transport, err := ma.NewMultiaddr(transportText)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("wireaddr: invalid multiaddr %q: %w", transportText, err)
	}
	if !hasID {
		return PeerAddress{Transport: transport}, nil
	}
	return PeerAddress{Transport: transport, PeerID: id}, nil
}

// String renders the textual form: the transport multiaddr followed by
// /p2p/<peer_id_hex> when a PeerId is set.
func (a PeerAddress) String() string {
	if a.PeerID.IsZero() {
		return a.Transport.String()
	}
	return a.Transport.String() + p2pSegment + a.PeerID.String()
}

// Bytes serializes a PeerAddress to spec §6's binary layout:
// length-prefixed transport multiaddr bytes, followed by the 32-byte
// PeerId (all-zero when unset).
func (a PeerAddress) Bytes() []byte {
	tb := a.Transport.Bytes()
	out := make([]byte, 0, 2+len(tb)+identity.Size)
	out = binary.BigEndian.AppendUint16(out, uint16(len(tb)))
	out = append(out, tb...)
	out = append(out, a.PeerID.Bytes()...)
	return out
}

// FromBytes parses the binary layout Bytes produces.
func FromBytes(b []byte) (PeerAddress, error) {
	if len(b) < 2 {
		return PeerAddress{}, fmt.Errorf("wireaddr: truncated address")
	}
	tlen := binary.BigEndian.Uint16(b[:2])
	b = b[2:]
	if len(b) < int(tlen)+identity.Size {
		return PeerAddress{}, fmt.Errorf("wireaddr: truncated address body")
	}
	transport, err := ma.NewMultiaddrBytes(b[:tlen])
	if err != nil {
		return PeerAddress{}, fmt.Errorf("wireaddr: invalid transport bytes: %w", err)
	}
	id, err := identity.PeerIdFromBytes(b[tlen : tlen+identity.Size])
	if err != nil {
		return PeerAddress{}, fmt.Errorf("wireaddr: invalid peer id bytes: %w", err)
	}
	return PeerAddress{Transport: transport, PeerID: id}, nil
}

// Equal compares two PeerAddresses by their binary form.
func (a PeerAddress) Equal(b PeerAddress) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// WithPeerID returns a copy of a with the PeerId set, the step a DHT
// lookup or inbound handshake performs once it has learned a transport
// address's owning identity.
func (a PeerAddress) WithPeerID(id identity.PeerId) PeerAddress {
	return PeerAddress{Transport: a.Transport, PeerID: id}
}
