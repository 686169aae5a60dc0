package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/relaypoint/internal/wire"
)

// Scope is the routing category of a connection
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
	ScopeMachine Scope = "machine"
)

// Close codes sent on handshake rejection or forced eviction
const (
	CloseAuthFailed       = 4001
	CloseInvalidHandshake = 4002
	CloseMissingSessionID = 4003
	CloseMissingMachineID = 4004
	CloseConnectionLimit  = 4005
)

// State is a connection lifecycle state
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns string representation of a connection state
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Identity is the verified identity a connection is bound to. AccountID is
// always present; SessionID and MachineID are set according to scope.
type Identity struct {
	AccountID string
	SessionID string
	MachineID string
}

// CloseSignal asks the transport layer to close the connection with a
// specific close code
type CloseSignal struct {
	Code   int
	Reason string
}

// Conn is one live connection. Scope and identity are fixed at handshake
// time and immutable afterwards; routing correctness depends on that. The
// strikes and dropped fields are owned by the coordinator loop and must
// not be touched elsewhere.
type Conn struct {
	id    string
	scope Scope
	ident Identity

	state        atomic.Int32
	lastActivity atomic.Int64

	send      chan *wire.Envelope
	closeSig  chan CloseSignal
	closeOnce sync.Once

	// Coordinator-owned bookkeeping
	strikes int
	dropped uint64
}

// NewConn creates a connection in state connecting with an outbound queue
// of the given capacity
func NewConn(scope Scope, ident Identity, queueSize int) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		scope:    scope,
		ident:    ident,
		send:     make(chan *wire.Envelope, queueSize),
		closeSig: make(chan CloseSignal, 1),
	}
	c.state.Store(int32(StateConnecting))
	c.Touch(time.Now())
	return c
}

// ID returns the connection id assigned at construction
func (c *Conn) ID() string {
	return c.id
}

// Scope returns the connection's routing scope
func (c *Conn) Scope() Scope {
	return c.scope
}

// Identity returns the identity the connection is bound to
func (c *Conn) Identity() Identity {
	return c.ident
}

// State returns the current lifecycle state
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Transition moves the connection to the given state, enforcing the legal
// lifecycle: connecting->open, connecting->closed, open->closing,
// open->closed, closing->closed. Closed is terminal.
func (c *Conn) Transition(to State) error {
	for {
		from := State(c.state.Load())
		if !legalTransition(from, to) {
			return fmt.Errorf("illegal connection state transition %s -> %s", from, to)
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}

func legalTransition(from, to State) bool {
	switch {
	case from == StateConnecting && (to == StateOpen || to == StateClosed):
		return true
	case from == StateOpen && (to == StateClosing || to == StateClosed):
		return true
	case from == StateClosing && to == StateClosed:
		return true
	default:
		return false
	}
}

// Touch records inbound or delivery activity
func (c *Conn) Touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the most recent activity timestamp
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TryEnqueue buffers an outbound envelope without blocking. Returns false
// when the queue is at capacity; the frame is not retried.
func (c *Conn) TryEnqueue(env *wire.Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Outbound is drained by the transport write pump, in FIFO order
func (c *Conn) Outbound() <-chan *wire.Envelope {
	return c.send
}

// QueueDepth returns the count of undelivered buffered frames
func (c *Conn) QueueDepth() int {
	return len(c.send)
}

// RequestClose asks the transport to close with the given code. Only the
// first request takes effect.
func (c *Conn) RequestClose(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeSig <- CloseSignal{Code: code, Reason: reason}
	})
}

// CloseRequests is watched by the transport write pump
func (c *Conn) CloseRequests() <-chan CloseSignal {
	return c.closeSig
}
