// Package simnet is the in-process network simulator spec §1 requires the
// transport core to be testable against: a registry of simulated nodes
// connected by net.Pipe instead of real sockets, each tagged with a
// simulated nat.NATType so strategy selection and hole-punch rendezvous
// exercise their real code paths without opening a single socket. Dialer
// reports the strategy the two NAT types select but connects every pair
// over a pipe; no TURN relay is simulated.
//
// It plays the same role in tests that pkg/transport plays in
// cmd/dchatd: it implements connmgr.Dialer and nat.Rendezvous so the DHT,
// gossip, connection manager, and onion layers can be driven end-to-end
// entirely in memory.
package simnet
