package relay

import "errors"

var (
	ErrMaxHopsExceeded    = errors.New("relay: max_relay_hops exceeded")
	ErrBandwidthLimit     = errors.New("relay: local bandwidth accountant has no headroom")
	ErrPeerBandwidthLimit = errors.New("relay: peer exceeded its bandwidth window")
	ErrBrokenProofChain   = errors.New("relay: proof chain does not validate")
	ErrUnknownRelay       = errors.New("relay: relay_id not part of this message's path")
	ErrEmptyBatch         = errors.New("relay: cannot submit an empty batch")
)
