package transport

import "errors"

var (
	// ErrNoAddresses is returned when a PeerInfo has no dialable addresses.
	ErrNoAddresses = errors.New("transport: peer has no addresses")

	// ErrUnsupportedScheme is returned when an address names a transport
	// this package has no backend for (spec §6 names only TCP and QUIC).
	ErrUnsupportedScheme = errors.New("transport: unsupported transport scheme")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)
