package onion

import (
	"context"
	"sync"
	"testing"

	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/identity"
)

// simNode is one relay-capable node in the in-process network a test wires
// up: its identity, its address, and the RelayHop state it maintains for
// circuits it forwards.
type simNode struct {
	kp    *identity.KeyPair
	addr  string
	relay *RelayHop
}

// simNetwork is the RelayForwarder + HopDialer implementation shared by
// every node in a test: it looks addresses up in an in-memory map instead
// of dialing real sockets.
type simNetwork struct {
	mu    sync.Mutex
	nodes map[string]*simNode

	deliveredMu sync.Mutex
	delivered   [][]byte
}

func newSimNetwork() *simNetwork {
	return &simNetwork{nodes: map[string]*simNode{}}
}

func (n *simNetwork) addNode(addr string) *simNode {
	kp, err := identity.Generate()
	if err != nil {
		panic(err)
	}
	node := &simNode{kp: kp, addr: addr}
	node.relay = NewRelayHop(n)
	n.mu.Lock()
	n.nodes[addr] = node
	n.mu.Unlock()
	return node
}

func (n *simNetwork) ForwardPacket(ctx context.Context, circuitID, nextHopAddr string, packet []byte) error {
	n.mu.Lock()
	node := n.nodes[nextHopAddr]
	n.mu.Unlock()
	return node.relay.HandlePacket(ctx, circuitID, packet)
}

func (n *simNetwork) DeliverFinal(ctx context.Context, circuitID string, payload []byte) error {
	n.deliveredMu.Lock()
	defer n.deliveredMu.Unlock()
	n.delivered = append(n.delivered, payload)
	return nil
}

func (n *simNetwork) ExtendHop(ctx context.Context, circuitID string, hop identity.PeerId, hopAddr string, tunnelThrough []identity.PeerId, message []byte) ([]byte, error) {
	n.mu.Lock()
	node := n.nodes[hopAddr]
	n.mu.Unlock()
	return node.relay.HandleExtend(node.kp, circuitID, message)
}

func (n *simNetwork) Forward(ctx context.Context, circuitID, firstHopAddr string, packet []byte) error {
	return n.ForwardPacket(ctx, circuitID, firstHopAddr, packet)
}

func (n *simNetwork) Teardown(ctx context.Context, circuitID, firstHopAddr string) error {
	n.mu.Lock()
	node := n.nodes[firstHopAddr]
	n.mu.Unlock()
	node.relay.DropCircuit(circuitID)
	return nil
}

// buildTestManager wires a local identity, a routing table populated with
// n relay-capable peers (distinct ASN/region so diversity checks pass),
// and a Manager pointed at a shared simNetwork.
func buildTestManager(t *testing.T, n int) (*Manager, *simNetwork) {
	t.Helper()
	local, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate local identity: %v", err)
	}
	rt := dht.NewRoutingTable(local.PeerID())
	net := newSimNetwork()

	for i := 0; i < n; i++ {
		addr := addrFor(i)
		node := net.addNode(addr)
		info := dht.PeerInfo{
			PeerID:       node.kp.PeerID(),
			Addresses:    []string{addr},
			Capabilities: dht.Capabilities{IsRelay: true},
			ASN:          uint32(100 + i),
			Region:       regionFor(i),
		}
		if err := rt.Insert(context.Background(), info, nil); err != nil {
			t.Fatalf("insert relay %d: %v", i, err)
		}
	}

	m := NewManager(local, rt, net, DefaultConfig(), nil)
	return m, net
}

func addrFor(i int) string {
	return "relay-" + string(rune('a'+i)) + ".example:9000"
}

func regionFor(i int) string {
	regions := []string{"us", "eu", "ap", "sa", "af"}
	return regions[i%len(regions)]
}

func TestBuildCircuitEstablishesHopKeysForEveryHop(t *testing.T) {
	m, _ := buildTestManager(t, 5)
	c, err := m.BuildCircuit(context.Background(), 3, true)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if c.Status() != StatusActive {
		t.Fatalf("expected Active circuit, got %s", c.Status())
	}
	if len(c.Path) != 3 {
		t.Fatalf("expected 3 hops, got %d", len(c.Path))
	}
	if len(c.hops) != 3 {
		t.Fatalf("expected 3 negotiated hop keys, got %d", len(c.hops))
	}
	seen := map[identity.PeerId]bool{}
	for _, hop := range c.Path {
		if seen[hop] {
			t.Fatalf("path has a repeated hop %s", hop)
		}
		seen[hop] = true
	}
}

func TestBuildCircuitFailsWithTooFewRelays(t *testing.T) {
	m, _ := buildTestManager(t, 2)
	if _, err := m.BuildCircuit(context.Background(), 3, false); err != ErrInsufficientRelays {
		t.Fatalf("expected ErrInsufficientRelays, got %v", err)
	}
}

func TestSendViaDeliversPayloadThroughAllHops(t *testing.T) {
	m, net := buildTestManager(t, 3)
	c, err := m.BuildCircuit(context.Background(), 3, true)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}

	payload := []byte("hello through the onion")
	if _, err := m.SendVia(context.Background(), c, payload); err != nil {
		t.Fatalf("SendVia: %v", err)
	}

	net.deliveredMu.Lock()
	defer net.deliveredMu.Unlock()
	if len(net.delivered) != 1 {
		t.Fatalf("expected 1 delivered payload, got %d", len(net.delivered))
	}
	if string(net.delivered[0]) != string(payload) {
		t.Fatalf("delivered payload mismatch: got %q", net.delivered[0])
	}
}

func TestSendViaOnClosedCircuitFails(t *testing.T) {
	m, _ := buildTestManager(t, 3)
	c, err := m.BuildCircuit(context.Background(), 3, false)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if err := m.TearDown(context.Background(), c); err != nil {
		t.Fatalf("TearDown: %v", err)
	}
	if _, err := m.SendVia(context.Background(), c, []byte("x")); err != ErrCircuitNotActive {
		t.Fatalf("expected ErrCircuitNotActive after teardown, got %v", err)
	}
}

func TestCoverPacketIsConsumedNotDelivered(t *testing.T) {
	m, net := buildTestManager(t, 3)
	c, err := m.BuildCircuit(context.Background(), 3, false)
	if err != nil {
		t.Fatalf("BuildCircuit: %v", err)
	}
	if err := m.sendCoverPacket(context.Background(), c); err != nil {
		t.Fatalf("sendCoverPacket: %v", err)
	}
	net.deliveredMu.Lock()
	defer net.deliveredMu.Unlock()
	if len(net.delivered) != 0 {
		t.Fatal("cover traffic must not reach DeliverFinal as a real message")
	}
}

func TestSphinxEncodeAndPeelRoundTrip(t *testing.T) {
	hops := []hopKey{
		{addr: "hop-1", key: fixedKey(1)},
		{addr: "hop-2", key: fixedKey(2)},
		{addr: "hop-3", key: fixedKey(3)},
	}
	payload := []byte("a real message")

	packet, err := encodeLayers(hops, 0, payload)
	if err != nil {
		t.Fatalf("encodeLayers: %v", err)
	}
	if len(packet) != SphinxPacketSize {
		t.Fatalf("expected constant packet size %d, got %d", SphinxPacketSize, len(packet))
	}

	layer, err := peelLayer(packet, hops[0].key, 0)
	if err != nil {
		t.Fatalf("peel hop 0: %v", err)
	}
	if layer.isFinal || layer.nextAddr != "hop-2" {
		t.Fatalf("expected to peel toward hop-2, got final=%v addr=%q", layer.isFinal, layer.nextAddr)
	}

	layer, err = peelLayer(layer.repadded, hops[1].key, 0)
	if err != nil {
		t.Fatalf("peel hop 1: %v", err)
	}
	if layer.isFinal || layer.nextAddr != "hop-3" {
		t.Fatalf("expected to peel toward hop-3, got final=%v addr=%q", layer.isFinal, layer.nextAddr)
	}

	layer, err = peelLayer(layer.repadded, hops[2].key, 0)
	if err != nil {
		t.Fatalf("peel hop 2: %v", err)
	}
	if !layer.isFinal {
		t.Fatal("expected final hop")
	}
	if string(layer.payload) != string(payload) {
		t.Fatalf("payload mismatch after full peel: got %q", layer.payload)
	}
}

func TestSphinxPeelWithWrongKeyFailsMAC(t *testing.T) {
	hops := []hopKey{{addr: "hop-1", key: fixedKey(1)}}
	packet, err := encodeLayers(hops, 0, []byte("secret"))
	if err != nil {
		t.Fatalf("encodeLayers: %v", err)
	}
	if _, err := peelLayer(packet, fixedKey(99), 0); err != ErrMACMismatch {
		t.Fatalf("expected ErrMACMismatch, got %v", err)
	}
}

func fixedKey(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

func TestIsDiverseRejectsSharedASN(t *testing.T) {
	path := []dht.PeerInfo{
		{ASN: 1, Region: "us"},
		{ASN: 1, Region: "eu"},
	}
	if isDiverse(path) {
		t.Fatal("expected shared ASN to fail diversity check")
	}
}

func TestIsDiverseRejectsSharedRegion(t *testing.T) {
	path := []dht.PeerInfo{
		{ASN: 1, Region: "us"},
		{ASN: 2, Region: "us"},
	}
	if isDiverse(path) {
		t.Fatal("expected shared region to fail diversity check")
	}
}

func TestIsDiverseAcceptsDistinctPaths(t *testing.T) {
	path := []dht.PeerInfo{
		{ASN: 1, Region: "us"},
		{ASN: 2, Region: "eu"},
		{ASN: 3, Region: "ap"},
	}
	if !isDiverse(path) {
		t.Fatal("expected distinct ASN/region path to pass diversity check")
	}
}

func TestSelectPathFailsWithoutEnoughRelays(t *testing.T) {
	local, _ := identity.Generate()
	rt := dht.NewRoutingTable(local.PeerID())
	if _, err := selectPath(rt, 3, false, local.PeerID(), PathSelectionRetries); err != ErrInsufficientRelays {
		t.Fatalf("expected ErrInsufficientRelays, got %v", err)
	}
}
