package nat

import "errors"

var (
	// ErrNoDirectPath means neither side's NAT type admits a direct dial.
	ErrNoDirectPath = errors.New("nat: no direct path available")
	// ErrHolePunchTimeout means the coordinated simultaneous-send did not
	// open a binding within HolePunchTimeout.
	ErrHolePunchTimeout = errors.New("nat: hole punch timed out")
	// ErrNoRendezvous means hole punching was selected but no Rendezvous
	// collaborator was configured.
	ErrNoRendezvous = errors.New("nat: hole punch requires a rendezvous peer")
	// ErrTURNNotConfigured means the TURN fallback was selected but no
	// TURNConfig was supplied.
	ErrTURNNotConfigured = errors.New("nat: turn fallback not configured")
	// ErrNoUPnPGateway means STUN/SSDP discovery found no UPnP IGD.
	ErrNoUPnPGateway = errors.New("nat: no upnp gateway found")
)
