package connmgr

import (
	"sync"
	"time"

	"github.com/dchat-net/dchat/pkg/identity"
	"github.com/dchat-net/dchat/pkg/nat"
	"github.com/dchat-net/dchat/pkg/session"
)

// State is a connection's lifecycle state (spec §4.5).
type State int

const (
	StateConnecting State = iota
	StateActive
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FailureReason names why a connection transitioned to Failed.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureHealthCheck
	FailureDialError
)

// Connection is the managed handle get(peer_id) returns: a session plus
// the bookkeeping the pool policy, health checker, and reconnect loop need.
type Connection struct {
	PeerID      identity.PeerId
	Path        nat.Strategy
	sess        *session.Session
	connectedAt time.Time

	mu                   sync.Mutex
	state                State
	failureReason        FailureReason
	lastActivity         time.Time
	consecHealthFailures int
	lastPingSentAt       time.Time
	pongPending          bool
}

func newConnection(id identity.PeerId, sess *session.Session, path nat.Strategy) *Connection {
	now := time.Now()
	return &Connection{
		PeerID:      id,
		Path:        path,
		sess:        sess,
		connectedAt: now,
		state:       StateActive,
		lastActivity: now,
	}
}

// Session exposes the underlying encrypted session for sending application
// data. Callers should call Touch after using it so idle-timeout tracking
// stays accurate.
func (c *Connection) Session() *session.Session { return c.sess }

// Touch records traffic on the connection, resetting its idle timer.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) idleTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Connection) age() time.Duration {
	return time.Since(c.connectedAt)
}

// Info is a read-only snapshot for status display and the scoring function.
type Info struct {
	PeerID         identity.PeerId
	Path           nat.Strategy
	State          State
	ConnectedAt    time.Time
	IdleTime       time.Duration
	ConsecFailures int
}

func (c *Connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		PeerID:         c.PeerID,
		Path:           c.Path,
		State:          c.state,
		ConnectedAt:    c.connectedAt,
		IdleTime:       time.Since(c.lastActivity),
		ConsecFailures: c.consecHealthFailures,
	}
}
