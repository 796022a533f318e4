package dht

import "errors"

var (
	// ErrBucketFull is returned internally when a bucket has no room and its
	// least-recently-seen entry still answers pings (conservative
	// replacement, spec §4.2).
	ErrBucketFull = errors.New("dht: bucket full, oldest entry still live")
	// ErrLookupTimeout names a find_peer call that ran past the DHT-lookup
	// timeout (spec §5: 30s total). FindPeer does not return it: when
	// LookupTimeout expires it returns the peers gathered so far.
	ErrLookupTimeout = errors.New("dht: lookup timed out")
	// ErrNoSeeds is returned by Bootstrap when called with zero seed peers;
	// it is not fatal (spec §4.2 "a node may start isolated").
	ErrNoSeeds = errors.New("dht: no seed peers configured")
)
