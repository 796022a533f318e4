// Package rpc is the application-level protocol multiplexed over a single
// pkg/session.Session's TypeData frames. A session only frames
// Data/Ping/Pong/Rekey/RekeyAck/TearDown (spec §6); everything the DHT,
// gossip, relay, and onion layers need to ask of a remote peer -
// find_node, a gossip push, a relay hop, an onion circuit extend - rides
// inside TypeData as a small JSON envelope, layering one message format
// over a single stream instead of opening one stream per concern.
//
// Router owns the one goroutine per connection that calls Session.Recv in
// a loop, exactly the receive loop pkg/connmgr's health check comments
// say a caller must run and feed PONGs back through RecordPong.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchat-net/dchat/pkg/connmgr"
	"github.com/dchat-net/dchat/pkg/dht"
	"github.com/dchat-net/dchat/pkg/gossip"
	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/relay"
	"github.com/dchat-net/dchat/pkg/session"
)

// Kind tags an envelope's payload shape.
type Kind string

const (
	KindFindNode        Kind = "find_node"
	KindFindNodeResp    Kind = "find_node_resp"
	KindGossip          Kind = "gossip"
	KindRelay           Kind = "relay"
	KindOnionExtend     Kind = "onion_extend"
	KindOnionExtendResp Kind = "onion_extend_resp"
	KindOnionForward    Kind = "onion_forward"
	KindOnionTeardown   Kind = "onion_teardown"
	KindRendezvous      Kind = "rendezvous"
	KindRendezvousResp  Kind = "rendezvous_resp"
)

// envelope is the wire format of every application message riding inside
// a TypeData frame. ReqID is zero for fire-and-forget kinds (gossip,
// relay, onion forward/teardown) and nonzero for the request/response
// kinds, correlating a reply back to the waiting caller.
type envelope struct {
	Kind    Kind            `json:"k"`
	ReqID   uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"p"`
}

type findNodeReq struct {
	Target identity.PeerId `json:"target"`
}

type findNodeResp struct {
	Peers []dht.PeerInfo `json:"peers"`
}

type onionExtendReq struct {
	CircuitID     string            `json:"circuit_id"`
	TunnelThrough []identity.PeerId `json:"tunnel_through"`
	Message       []byte            `json:"message"`
}

type onionExtendResp struct {
	Response []byte `json:"response"`
	Err      string `json:"err,omitempty"`
}

type onionForwardMsg struct {
	CircuitID string `json:"circuit_id"`
	Packet    []byte `json:"packet"`
}

type onionTeardownMsg struct {
	CircuitID string `json:"circuit_id"`
}

// rendezvousReq carries the requester's own observed public endpoint over
// whatever session already reaches the peer - typically a relayed one -
// so each side learns the other's direct address before attempting a
// hole punch (spec §4.4).
type rendezvousReq struct {
	Local nat.PeerEndpoint `json:"local"`
}

type rendezvousResp struct {
	Endpoint nat.PeerEndpoint `json:"endpoint"`
	Err      string           `json:"err,omitempty"`
}

// FindNodeHandler answers an incoming find_node request for target,
// returning this node's closest known peers (spec §4.2).
type FindNodeHandler func(ctx context.Context, from identity.PeerId, target identity.PeerId) []dht.PeerInfo

// GossipHandler processes an incoming gossip push (spec §4.3).
type GossipHandler func(from identity.PeerId, msg gossip.GossipMessage)

// RelayHandler processes an incoming onion-relay message (spec §4.7).
type RelayHandler func(from identity.PeerId, msg relay.RelayMessage)

// OnionExtendHandler answers an incoming onion CREATE/EXTEND request
// (spec §4.6), returning the raw handshake response.
type OnionExtendHandler func(ctx context.Context, from identity.PeerId, circuitID string, tunnelThrough []identity.PeerId, message []byte) ([]byte, error)

// OnionForwardHandler relays a Sphinx-layered packet on to the next hop.
type OnionForwardHandler func(from identity.PeerId, circuitID string, packet []byte)

// OnionTeardownHandler tears down a circuit's local state for circuitID.
type OnionTeardownHandler func(from identity.PeerId, circuitID string)

// RendezvousHandler answers an incoming endpoint-exchange request with
// this node's own observed public endpoint, recording from's reported
// endpoint for the matching hole-punch attempt (spec §4.4).
type RendezvousHandler func(ctx context.Context, from identity.PeerId, local nat.PeerEndpoint) (nat.PeerEndpoint, error)

// Router multiplexes every connected session through the application
// protocol, and implements the network seams dht.NodeQuerier,
// gossip.PeerSender, relay.NextHopDialer, and pkg/onion's HopDialer on top
// of it.
type Router struct {
	conns *connmgr.Manager
	log   *slog.Logger

	mu      sync.Mutex
	pending map[uint64]chan envelope
	nextID  uint64

	OnFindNode      FindNodeHandler
	OnGossip        GossipHandler
	OnRelay         RelayHandler
	OnOnionExtend   OnionExtendHandler
	OnOnionForward  OnionForwardHandler
	OnOnionTeardown OnionTeardownHandler
	OnRendezvous    RendezvousHandler

	// ResolveAddr maps a wire address (as carried in HopDialer's
	// firstHopAddr/hopAddr) back to the peer id connmgr tracks sessions
	// under. pkg/onion addresses hops by address, the same way a Tor
	// relay only knows the next link's address, not its identity, ahead
	// of the handshake; cmd/dchatd backs this with the DHT routing
	// table's address index.
	ResolveAddr func(addr string) (identity.PeerId, bool)
}

// New builds a Router bound to conns, which supplies the RecordPong
// target and the live session for outbound calls.
func New(conns *connmgr.Manager, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{conns: conns, log: log, pending: make(map[uint64]chan envelope)}
}

// Serve runs peerID's receive loop until the session closes or ctx is
// cancelled. cmd/dchatd spawns one of these per connection, on both the
// dialing and accepting side, immediately after a session completes its
// handshake.
func (r *Router) Serve(ctx context.Context, peerID identity.PeerId, sess *session.Session) {
	for {
		typ, payload, err := sess.Recv()
		if err != nil {
			return
		}
		switch typ {
		case session.TypePing:
			_ = sess.Pong()
		case session.TypePong:
			r.conns.RecordPong(peerID)
		case session.TypeData:
			var env envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				r.log.Warn("rpc: malformed envelope", "peer", peerID, "err", err)
				continue
			}
			r.handle(ctx, peerID, sess, env)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Router) handle(ctx context.Context, from identity.PeerId, sess *session.Session, env envelope) {
	switch env.Kind {
	case KindFindNodeResp, KindOnionExtendResp, KindRendezvousResp:
		r.mu.Lock()
		ch, ok := r.pending[env.ReqID]
		if ok {
			delete(r.pending, env.ReqID)
		}
		r.mu.Unlock()
		if ok {
			ch <- env
		}
		return
	case KindFindNode:
		var req findNodeReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		var peers []dht.PeerInfo
		if r.OnFindNode != nil {
			peers = r.OnFindNode(ctx, from, req.Target)
		}
		r.reply(sess, KindFindNodeResp, env.ReqID, findNodeResp{Peers: peers})
	case KindGossip:
		var msg gossip.GossipMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if r.OnGossip != nil {
			r.OnGossip(from, msg)
		}
	case KindRelay:
		var msg relay.RelayMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if r.OnRelay != nil {
			r.OnRelay(from, msg)
		}
	case KindOnionExtend:
		var req onionExtendReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		var resp onionExtendResp
		if r.OnOnionExtend != nil {
			out, err := r.OnOnionExtend(ctx, from, req.CircuitID, req.TunnelThrough, req.Message)
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Response = out
			}
		}
		r.reply(sess, KindOnionExtendResp, env.ReqID, resp)
	case KindOnionForward:
		var msg onionForwardMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if r.OnOnionForward != nil {
			r.OnOnionForward(from, msg.CircuitID, msg.Packet)
		}
	case KindOnionTeardown:
		var msg onionTeardownMsg
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if r.OnOnionTeardown != nil {
			r.OnOnionTeardown(from, msg.CircuitID)
		}
	case KindRendezvous:
		var req rendezvousReq
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		var resp rendezvousResp
		if r.OnRendezvous != nil {
			ep, err := r.OnRendezvous(ctx, from, req.Local)
			if err != nil {
				resp.Err = err.Error()
			} else {
				resp.Endpoint = ep
			}
		} else {
			resp.Err = "rendezvous not supported"
		}
		r.reply(sess, KindRendezvousResp, env.ReqID, resp)
	}
}

func (r *Router) reply(sess *session.Session, kind Kind, reqID uint64, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := envelope{Kind: kind, ReqID: reqID, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := sess.SendData(data); err != nil {
		r.log.Warn("rpc: reply failed", "kind", kind, "err", err)
	}
}

func (r *Router) send(sess *session.Session, kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Kind: kind, Payload: raw})
	if err != nil {
		return err
	}
	return sess.SendData(data)
}

// call sends a request envelope and blocks until the correlated response
// arrives, ctx is cancelled, or timeout elapses.
func (r *Router) call(ctx context.Context, sess *session.Session, kind Kind, payload any, timeout time.Duration) (envelope, error) {
	reqID := atomic.AddUint64(&r.nextID, 1)
	raw, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, err
	}
	ch := make(chan envelope, 1)
	r.mu.Lock()
	r.pending[reqID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
	}()

	data, err := json.Marshal(envelope{Kind: kind, ReqID: reqID, Payload: raw})
	if err != nil {
		return envelope{}, err
	}
	if err := sess.SendData(data); err != nil {
		return envelope{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		return env, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-timer.C:
		return envelope{}, fmt.Errorf("rpc: %s timed out", kind)
	}
}

func (r *Router) sessionFor(id identity.PeerId) (*session.Session, error) {
	conn, ok := r.conns.Get(id)
	if !ok {
		return nil, fmt.Errorf("rpc: no connection to %s", id)
	}
	return conn.Session(), nil
}

func (r *Router) sessionForAddr(addr string) (*session.Session, error) {
	if r.ResolveAddr == nil {
		return nil, fmt.Errorf("rpc: no address resolver configured")
	}
	id, ok := r.ResolveAddr(addr)
	if !ok {
		return nil, fmt.Errorf("rpc: no known peer for address %s", addr)
	}
	return r.sessionFor(id)
}

// DefaultRequestTimeout bounds every request/response call the Router
// makes when the caller supplies no deadline of its own.
const DefaultRequestTimeout = 10 * time.Second

// FindNode implements dht.NodeQuerier.
func (r *Router) FindNode(ctx context.Context, to identity.PeerId, target identity.PeerId) ([]dht.PeerInfo, error) {
	sess, err := r.sessionFor(to)
	if err != nil {
		return nil, err
	}
	env, err := r.call(ctx, sess, KindFindNode, findNodeReq{Target: target}, DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	var resp findNodeResp
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

// SendGossip implements gossip.PeerSender.
func (r *Router) SendGossip(ctx context.Context, to identity.PeerId, msg gossip.GossipMessage) error {
	sess, err := r.sessionFor(to)
	if err != nil {
		return err
	}
	return r.send(sess, KindGossip, msg)
}

// SendRelayMessage implements relay.NextHopDialer.
func (r *Router) SendRelayMessage(ctx context.Context, nextHop identity.PeerId, msg relay.RelayMessage) error {
	sess, err := r.sessionFor(nextHop)
	if err != nil {
		return err
	}
	return r.send(sess, KindRelay, msg)
}

// ExtendHop implements pkg/onion's HopDialer. hopAddr is unused: the hop
// is always reached through an existing connmgr connection rather than a
// fresh dial, since building a circuit never needs an address the
// connection manager doesn't already have.
func (r *Router) ExtendHop(ctx context.Context, circuitID string, hop identity.PeerId, hopAddr string, tunnelThrough []identity.PeerId, message []byte) ([]byte, error) {
	sess, err := r.sessionFor(hop)
	if err != nil {
		return nil, err
	}
	env, err := r.call(ctx, sess, KindOnionExtend, onionExtendReq{CircuitID: circuitID, TunnelThrough: tunnelThrough, Message: message}, DefaultRequestTimeout)
	if err != nil {
		return nil, err
	}
	var resp onionExtendResp
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("rpc: remote extend failed: %s", resp.Err)
	}
	return resp.Response, nil
}

// Forward implements pkg/onion's HopDialer: firstHopAddr is resolved to a
// live connection through ResolveAddr, since a Sphinx packet's circuit id
// is the only thing addressed by identity further down the path.
func (r *Router) Forward(ctx context.Context, circuitID string, firstHopAddr string, packet []byte) error {
	sess, err := r.sessionForAddr(firstHopAddr)
	if err != nil {
		return err
	}
	return r.send(sess, KindOnionForward, onionForwardMsg{CircuitID: circuitID, Packet: packet})
}

// Teardown implements pkg/onion's HopDialer, again addressed by address.
func (r *Router) Teardown(ctx context.Context, circuitID string, firstHopAddr string) error {
	sess, err := r.sessionForAddr(firstHopAddr)
	if err != nil {
		return err
	}
	return r.send(sess, KindOnionTeardown, onionTeardownMsg{CircuitID: circuitID})
}

// ExchangeEndpoints implements nat.Rendezvous: it asks via directly -
// over whatever session already reaches it, typically a relayed one -
// for its own observed endpoint, handing over local's in the same
// message so both sides learn each other's direct address in one round
// trip before attempting a hole punch.
func (r *Router) ExchangeEndpoints(ctx context.Context, via identity.PeerId, local nat.PeerEndpoint) (nat.PeerEndpoint, error) {
	sess, err := r.sessionFor(via)
	if err != nil {
		return nat.PeerEndpoint{}, err
	}
	env, err := r.call(ctx, sess, KindRendezvous, rendezvousReq{Local: local}, DefaultRequestTimeout)
	if err != nil {
		return nat.PeerEndpoint{}, err
	}
	var resp rendezvousResp
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nat.PeerEndpoint{}, err
	}
	if resp.Err != "" {
		return nat.PeerEndpoint{}, fmt.Errorf("rpc: rendezvous failed: %s", resp.Err)
	}
	return resp.Endpoint, nil
}
