package gossip

import "errors"

var (
	// ErrInvalidSignature is returned when an inbound message's signature
	// does not verify against its claimed sender (spec §4.3 step 3).
	ErrInvalidSignature = errors.New("gossip: invalid message signature")

	// ErrRateLimited is returned when flood control denies an inbound or
	// outbound message (spec §4.3 step 4).
	ErrRateLimited = errors.New("gossip: rate limit exceeded")

	// ErrUnknownSender is returned when the sender's public key cannot be
	// resolved to verify a signature.
	ErrUnknownSender = errors.New("gossip: sender public key unknown")
)
