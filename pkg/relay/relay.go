package relay

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/reputation"
)

// NextHopDialer is the network seam a Relay uses to push a message on to
// the next hop, matching the HopDialer/RelayForwarder seams pkg/onion uses
// to stay independent of the transport implementation; pkg/rpc's Router
// implements it.
type NextHopDialer interface {
	SendRelayMessage(ctx context.Context, nextHop identity.PeerId, msg RelayMessage) error
}

// Config bundles a Relay's tunables, all from spec's config table.
type Config struct {
	MaxRelayHops int
}

func DefaultConfig() Config {
	return Config{MaxRelayHops: MaxRelayHops}
}

// Relay implements spec §4.7's accept/forward/batch-submit contract. As a
// relay it accepts an incoming RelayMessage, validates the proof chain it
// already carries, appends its own entry, and forwards. As the circuit's
// initiator it collects the returned proof chain and feeds it into the
// batch window.
type Relay struct {
	local      *identity.KeyPair
	dialer     NextHopDialer
	bandwidth  *BandwidthAccountant
	reputation *reputation.Store
	batch      *BatchWindow
	maxHops    int
	pubKeyOf   func(identity.PeerId) (ed25519.PublicKey, bool)
}

// NewRelay wires a Relay. pubKeyOf resolves a PeerId to its Ed25519 public
// key for proof-chain verification; a typical caller backs this with the
// DHT routing table's known-peer set.
func NewRelay(local *identity.KeyPair, dialer NextHopDialer, bandwidth *BandwidthAccountant, rep *reputation.Store, batch *BatchWindow, cfg Config, pubKeyOf func(identity.PeerId) (ed25519.PublicKey, bool)) *Relay {
	maxHops := cfg.MaxRelayHops
	if maxHops <= 0 {
		maxHops = MaxRelayHops
	}
	return &Relay{
		local:      local,
		dialer:     dialer,
		bandwidth:  bandwidth,
		reputation: rep,
		batch:      batch,
		maxHops:    maxHops,
		pubKeyOf:   pubKeyOf,
	}
}

// Forward accepts an incoming RelayMessage from prevHop, applies spec
// §4.7's forwarding rules, appends this node's proof entry, and forwards
// to nextHop (spec §4.7 "Contract": "accept incoming RelayMessage, forward
// to next hop, append a signed entry to the proof chain").
func (r *Relay) Forward(ctx context.Context, prevHop identity.PeerId, msg RelayMessage, nextHop identity.PeerId, path []identity.PeerId, payloadSize uint64) error {
	if len(msg.HopsTraversed) >= r.maxHops {
		return ErrMaxHopsExceeded
	}
	if err := ValidateChain(msg, path, r.pubKeyOf); err != nil {
		return err
	}

	if !r.bandwidth.HasHeadroom(prevHop, payloadSize) {
		if r.reputation != nil {
			r.reputation.RecordEvent(prevHop, reputation.EventProtocolViolation)
		}
		return ErrPeerBandwidthLimit
	}
	r.bandwidth.RecordReceived(prevHop, payloadSize)

	signed := AppendProof(msg, r.local)

	if err := r.dialer.SendRelayMessage(ctx, nextHop, signed); err != nil {
		if r.reputation != nil {
			r.reputation.RecordEvent(nextHop, reputation.EventDeliveryFailed)
		}
		return fmt.Errorf("relay: send to next hop: %w", err)
	}
	r.bandwidth.RecordSent(nextHop, payloadSize)
	if r.reputation != nil {
		r.reputation.RecordEvent(nextHop, reputation.EventDeliveredOnTime)
	}
	return nil
}

// CompleteAsInitiator is called by the message's original sender once the
// final recipient's signed receipt closes the proof chain: it validates
// the full chain against the expected path and, if it checks out, feeds
// the message into the batch window for Merkle-batch submission (spec
// §4.7: "the initiator aggregates verified proofs into a window").
func (r *Relay) CompleteAsInitiator(ctx context.Context, msg RelayMessage, path []identity.PeerId) error {
	if err := ValidateChain(msg, path, r.pubKeyOf); err != nil {
		return err
	}
	return r.batch.Add(ctx, msg)
}
