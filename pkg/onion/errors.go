package onion

import "errors"

var (
	// ErrNoDiversePath is returned by BuildCircuit when diversity_required
	// is set and PATH_SELECTION_RETRIES draws were exhausted without
	// finding a path whose hops don't share an ASN or region (spec §4.6).
	ErrNoDiversePath = errors.New("onion: no ASN/region-diverse path found")

	// ErrInsufficientRelays means the routing table doesn't have enough
	// distinct relay-capable peers to draw a path of the requested length.
	ErrInsufficientRelays = errors.New("onion: not enough relay-capable peers in routing table")

	ErrCircuitNotBuilding = errors.New("onion: circuit is not in Building state")
	ErrCircuitNotActive   = errors.New("onion: circuit is not Active")
	ErrCircuitClosed      = errors.New("onion: circuit is closed")
	ErrHopFailure         = errors.New("onion: hop failed to confirm extend")
	ErrMACMismatch        = errors.New("onion: sphinx layer MAC verification failed")
	ErrPacketTooLarge     = errors.New("onion: payload does not fit in a sphinx packet")
	ErrUnknownCircuit     = errors.New("onion: unknown circuit id")
)
