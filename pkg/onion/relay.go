package onion

import (
	"context"
	"fmt"
	"sync"

	"github.com/dchat-net/dchat/pkg/identity"
	"golang.org/x/crypto/curve25519"
)

// RelayForwarder is the outbound seam a RelayHop uses to push a peeled
// packet on to the next hop (or hand a final-layer payload to whatever
// local component consumes delivered onion payloads, e.g. pkg/relay).
type RelayForwarder interface {
	ForwardPacket(ctx context.Context, circuitID string, nextHopAddr string, packet []byte) error
	DeliverFinal(ctx context.Context, circuitID string, payload []byte) error
}

// relayHopState is what this node, acting as a relay, retains for one
// circuit it forwards for: the per-hop key negotiated with the previous
// hop during that circuit's construction, plus the forward-packet counter
// that must stay in lockstep with the initiator's sphinxNonce counter.
type relayHopState struct {
	key     []byte
	counter uint64
}

// RelayHop tracks the circuits this node relays for, peeling one Sphinx
// layer per forwarded packet (spec §4.6: "A relay at hop i peels layer i,
// verifies the MAC (drop on failure), pads the trailing bytes with random
// noise to restore constant size, and forwards to the next hop's
// address").
type RelayHop struct {
	mu       sync.Mutex
	circuits map[string]*relayHopState
	fwd      RelayForwarder
}

func NewRelayHop(fwd RelayForwarder) *RelayHop {
	return &RelayHop{circuits: map[string]*relayHopState{}, fwd: fwd}
}

// AdmitCircuit records the per-hop key this node negotiated for circuitID
// as a responder to an ExtendHop request (construct.go's wire format,
// handled on the listening side by whatever owns the transport listener).
func (r *RelayHop) AdmitCircuit(circuitID string, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.circuits[circuitID] = &relayHopState{key: key}
}

// DropCircuit forgets a circuit's per-hop key, e.g. on a tear-down cell or
// on circuit-lifetime expiry (spec: "each hop deletes its shared secret").
func (r *RelayHop) DropCircuit(circuitID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.circuits, circuitID)
}

// HandleExtend is the responder side of construct.go's per-hop handshake:
// it verifies the requester's signature, completes its own half of the DH
// exchange, admits the circuit under the resulting key (salted the same
// way the initiator salts it, with this node's own PeerId as "hop"), and
// returns the wire bytes for its response.
func (r *RelayHop) HandleExtend(local *identity.KeyPair, circuitID string, reqBytes []byte) ([]byte, error) {
	peerEphPub, peerIdentityPub, sig, err := decodeExtendMessage(reqBytes)
	if err != nil {
		return nil, fmt.Errorf("onion: malformed extend request: %w", err)
	}
	if !identity.Verify(peerIdentityPub, peerEphPub[:], sig) {
		return nil, fmt.Errorf("onion: extend request signature invalid")
	}

	ephPriv, ephPub, err := newEphemeral()
	if err != nil {
		return nil, fmt.Errorf("onion: generate responder ephemeral: %w", err)
	}
	shared, err := curve25519.X25519(ephPriv[:], peerEphPub[:])
	if err != nil {
		return nil, fmt.Errorf("onion: responder dh: %w", err)
	}
	key, err := derivePerHopKey(shared, circuitID, local.PeerID())
	if err != nil {
		return nil, err
	}
	r.AdmitCircuit(circuitID, key)

	resp := extendRequest{
		ephemeralPub: ephPub,
		identityPub:  []byte(local.Public),
		sig:          local.Sign(ephPub[:]),
	}
	return encodeExtendMessage(resp), nil
}

// HandlePacket peels one layer of packet for circuitID and either forwards
// the re-padded remainder to the next hop, or — if this was the final hop —
// delivers the recovered payload locally. Cover-traffic dummies reaching
// the final hop are consumed silently (spec §4.6 "Cover traffic").
func (r *RelayHop) HandlePacket(ctx context.Context, circuitID string, packet []byte) error {
	r.mu.Lock()
	st, ok := r.circuits[circuitID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownCircuit
	}
	counter := st.counter
	st.counter++
	key := st.key
	r.mu.Unlock()

	layer, err := peelLayer(packet, key, counter)
	if err != nil {
		return fmt.Errorf("onion: relay peel circuit %s: %w", circuitID, err)
	}

	if layer.isFinal {
		if isCoverPayload(layer.payload) {
			return nil
		}
		return r.fwd.DeliverFinal(ctx, circuitID, layer.payload)
	}
	return r.fwd.ForwardPacket(ctx, circuitID, layer.nextAddr, layer.repadded)
}

// coverMarker prefixes a dummy payload's plaintext so the consuming final
// hop can distinguish it from a real delivered message without that marker
// being visible to any relay peeling an outer layer (only the final hop
// ever sees a layer's plaintext payload).
const coverMarker = "dchat-onion-cover\x00"

func isCoverPayload(payload []byte) bool {
	if len(payload) < len(coverMarker) {
		return false
	}
	return string(payload[:len(coverMarker)]) == coverMarker
}
