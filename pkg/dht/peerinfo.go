// Package dht implements the Kademlia routing table and iterative lookup
// of spec §4.2: a 256-bucket table indexed by shared-prefix length to the
// local PeerId, with α-concurrent find_peer lookups.
package dht

import (
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
)

// Capabilities mirrors spec §3 PeerInfo.capabilities.
type Capabilities struct {
	IsRelay             bool
	SupportsNATTraversal bool
	AdvertisedBandwidth  uint64 // bits per second
	NATType              nat.NATType // advertised by the peer itself, not locally measured (spec §4.4)
}

// PeerInfo is spec §3's PeerInfo: owned by the routing table and connection
// manager, never leaving the process except in DHT responses (sans
// reputation, which is local-only per §4.8).
type PeerInfo struct {
	PeerID             identity.PeerId
	Addresses          []string // ordered set of network endpoints (multiaddr text form)
	LastSeenMonotonic  time.Time
	MeasuredRTT        time.Duration // zero means unmeasured
	Reputation         int
	Capabilities       Capabilities
	ASN                uint32 // advertised autonomous system number, 0 if unknown
	Region             string // advertised geographic region, e.g. an ISO country code
}

// WithoutReputation returns a copy suitable for handing out in a DHT
// response: reputation is a local-only signal (spec §3: "never leaves the
// process except in DHT responses (sans reputation)").
func (p PeerInfo) WithoutReputation() PeerInfo {
	p.Reputation = 0
	return p
}

func (p PeerInfo) clone() PeerInfo {
	addrs := make([]string, len(p.Addresses))
	copy(addrs, p.Addresses)
	p.Addresses = addrs
	return p
}
