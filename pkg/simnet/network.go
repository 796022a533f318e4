package simnet

import (
	"fmt"
	"net"
	"sync"

	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
)

// Node is one simulated participant: an identity, a simulated NAT
// placement, and an inbound accept queue that Dialer.Dial delivers the
// server end of a net.Pipe into.
type Node struct {
	KeyPair *identity.KeyPair
	NAT     nat.NATType

	inbox  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

// PeerID is a convenience accessor mirroring pkg/transport's local-keypair
// pattern.
func (n *Node) PeerID() identity.PeerId { return n.KeyPair.PeerID() }

// Accept blocks until a peer dials this node or the node is closed. It
// mirrors pkg/transport.Listener's
// Accept shape so callers can drive the same accept-loop idiom in tests.
func (n *Node) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-n.inbox:
		if !ok {
			return nil, fmt.Errorf("simnet: node %s closed", n.PeerID())
		}
		return conn, nil
	case <-n.closed:
		return nil, fmt.Errorf("simnet: node %s closed", n.PeerID())
	}
}

// Close stops accepting inbound pipes. Safe to call more than once.
func (n *Node) Close() {
	n.once.Do(func() { close(n.closed) })
}

// Network is a registry of simulated nodes reachable from each other by
// identity.PeerId alone — there is no address resolution, dialing by
// PeerId is always possible unless the pair has been Partitioned.
type Network struct {
	mu         sync.RWMutex
	nodes      map[identity.PeerId]*Node
	partitions map[[2]identity.PeerId]bool
}

// New creates an empty Network. Scenario 1 of spec §8 ("bootstrap on an
// empty network") is exactly this value with zero Register calls: any
// Dial fails with ErrPeerUnknown, matching a real node with no reachable
// bootstrap peers.
func New() *Network {
	return &Network{
		nodes:      make(map[identity.PeerId]*Node),
		partitions: make(map[[2]identity.PeerId]bool),
	}
}

// Register adds a simulated node reachable under its own PeerId.
func (ntw *Network) Register(kp *identity.KeyPair, natType nat.NATType) *Node {
	n := &Node{
		KeyPair: kp,
		NAT:     natType,
		inbox:   make(chan net.Conn),
		closed:  make(chan struct{}),
	}
	ntw.mu.Lock()
	ntw.nodes[kp.PeerID()] = n
	ntw.mu.Unlock()
	return n
}

// Unregister removes a node; subsequent dials to it fail.
func (ntw *Network) Unregister(id identity.PeerId) {
	ntw.mu.Lock()
	defer ntw.mu.Unlock()
	if n, ok := ntw.nodes[id]; ok {
		n.Close()
		delete(ntw.nodes, id)
	}
}

// Lookup returns the registered Node for id, if any.
func (ntw *Network) Lookup(id identity.PeerId) (*Node, bool) {
	ntw.mu.RLock()
	defer ntw.mu.RUnlock()
	n, ok := ntw.nodes[id]
	return n, ok
}

// Partition cuts simulated connectivity between a and b in both
// directions, for exercising reconnect/backoff behavior (pkg/connmgr
// §4.5) without a real network fault.
func (ntw *Network) Partition(a, b identity.PeerId) {
	ntw.mu.Lock()
	defer ntw.mu.Unlock()
	ntw.partitions[pairKey(a, b)] = true
}

// Heal reverses a prior Partition.
func (ntw *Network) Heal(a, b identity.PeerId) {
	ntw.mu.Lock()
	defer ntw.mu.Unlock()
	delete(ntw.partitions, pairKey(a, b))
}

func (ntw *Network) partitioned(a, b identity.PeerId) bool {
	ntw.mu.RLock()
	defer ntw.mu.RUnlock()
	return ntw.partitions[pairKey(a, b)]
}

func pairKey(a, b identity.PeerId) [2]identity.PeerId {
	if a.Less(b) {
		return [2]identity.PeerId{a, b}
	}
	return [2]identity.PeerId{b, a}
}

// ErrPeerUnknown is returned when dialing a PeerId the network has no
// Registered node for.
var ErrPeerUnknown = fmt.Errorf("simnet: peer not registered")

// ErrPartitioned is returned when dialing a peer this network has
// Partitioned from the caller.
var ErrPartitioned = fmt.Errorf("simnet: peers are partitioned")

// dial connects caller to dest over an in-memory net.Pipe, delivering the
// server half to dest's accept queue, and returns the client half. It
// fails if dest is unknown, partitioned from caller, or closed before the
// server half is accepted.
func (ntw *Network) dial(caller identity.PeerId, dest *Node) (net.Conn, error) {
	if ntw.partitioned(caller, dest.PeerID()) {
		return nil, ErrPartitioned
	}
	client, server := net.Pipe()
	select {
	case dest.inbox <- server:
		return client, nil
	case <-dest.closed:
		client.Close()
		server.Close()
		return nil, fmt.Errorf("simnet: node %s closed", dest.PeerID())
	}
}
