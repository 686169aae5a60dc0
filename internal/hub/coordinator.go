package hub

import (
	"sync"
	"time"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/logger"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/wire"
)

// Close code for orderly hub-initiated shutdowns (inactivity, server stop)
const closeGoingAway = 1001

const opQueueSize = 256

type opKind int

const (
	opRegister opKind = iota
	opDeregister
	opDispatch
	opSnapshot
	opShutdown
)

// op is one unit of work on a coordinator's serialized queue. gen is the
// generation observed at submit time; the loop drops effects of ops
// stamped with an older generation.
type op struct {
	gen  uint64
	kind opKind

	conn    *Conn
	connID  string
	target  BroadcastTarget
	update  wire.Update
	exclude string

	replyErr  chan error
	replyInt  chan int
	replySnap chan GroupSnapshot
}

// Coordinator owns all mutable connection state for one account. All
// operations for the account flow through a single goroutine in arrival
// order. The struct itself persists for the life of the router; its
// in-memory registry is torn down when the group stays empty past the
// grace period and rebuilt from reconnecting clients afterwards.
type Coordinator struct {
	accountID string
	cfg       config.HubConfig
	log       *logger.Logger
	met       *metrics.HubMetrics

	ops chan op

	mu      sync.Mutex
	running bool
	gen     uint64
}

// NewCoordinator creates a coordinator for one account group. The
// operation loop starts lazily on the first submitted operation.
func NewCoordinator(accountID string, cfg config.HubConfig, log *logger.Logger, met *metrics.HubMetrics) *Coordinator {
	return &Coordinator{
		accountID: accountID,
		cfg:       cfg,
		log:       log.WithPrefix("coordinator"),
		met:       met,
		ops:       make(chan op, opQueueSize),
	}
}

// AccountID returns the account this coordinator owns
func (c *Coordinator) AccountID() string {
	return c.accountID
}

// Generation returns the current eviction generation
func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// submit stamps the op with the current generation and enqueues it,
// resurrecting the loop if it is not running
func (c *Coordinator) submit(o op) error {
	c.mu.Lock()
	if !c.running {
		c.running = true
		if c.gen > 0 {
			c.met.GroupResurrectionsCounter.Inc()
			c.log.Info("Account %s coordinator resurrected (generation %d)", c.accountID, c.gen)
		}
		go c.run(c.gen)
	}
	o.gen = c.gen

	select {
	case c.ops <- o:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		return ErrCoordinatorBusy
	}
}

// Register inserts the connection into the registry and flips it to open.
// Rejects with ErrConnectionLimit at the per-account ceiling. Either the
// connection is fully registered or no registry entry exists.
func (c *Coordinator) Register(conn *Conn) error {
	reply := make(chan error, 1)
	if err := c.submit(op{kind: opRegister, conn: conn, replyErr: reply}); err != nil {
		return err
	}
	return <-reply
}

// Deregister removes the connection from the registry. Idempotent; a
// missing id is a no-op.
func (c *Coordinator) Deregister(connID string) {
	// Fire and forget; a stale or dropped deregister has no connection
	// context left to observe it
	_ = c.submit(op{kind: opDeregister, connID: connID})
}

// Dispatch fans the update out to connections matching the target,
// excluding excludeConnID when non-empty. Returns the number of
// connections the update was enqueued to; partial failure never raises.
func (c *Coordinator) Dispatch(target BroadcastTarget, update wire.Update, excludeConnID string) int {
	reply := make(chan int, 1)
	if err := c.submit(op{kind: opDispatch, target: target, update: update, exclude: excludeConnID, replyInt: reply}); err != nil {
		return 0
	}
	return <-reply
}

// Snapshot returns a monitoring view of the group. A torn-down group
// reports itself without resurrecting the loop.
func (c *Coordinator) Snapshot() (GroupSnapshot, bool) {
	c.mu.Lock()
	if !c.running {
		gen := c.gen
		c.mu.Unlock()
		return GroupSnapshot{AccountID: c.accountID, Generation: gen}, false
	}
	o := op{gen: c.gen, kind: opSnapshot, replySnap: make(chan GroupSnapshot, 1)}
	select {
	case c.ops <- o:
		c.mu.Unlock()
		return <-o.replySnap, true
	default:
		c.mu.Unlock()
		return GroupSnapshot{AccountID: c.accountID}, false
	}
}

// Shutdown evicts every connection and tears the group down. Used on
// server stop.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	reply := make(chan error, 1)
	if err := c.submit(op{kind: opShutdown, replyErr: reply}); err != nil {
		return
	}
	<-reply
}

// run is the serialized operation loop for one incarnation of the group.
// The registry lives on this goroutine's stack; losing it on teardown is
// deliberate, reconnecting clients rebuild it.
func (c *Coordinator) run(gen uint64) {
	registry := make(map[string]*Conn)
	emptySince := time.Now()

	c.met.GroupsGauge.Inc()
	defer c.met.GroupsGauge.Dec()

	sweep := time.NewTicker(c.cfg.SweepInterval())
	defer sweep.Stop()

	for {
		select {
		case o := <-c.ops:
			if o.gen != gen {
				c.replyStale(o)
				continue
			}

			switch o.kind {
			case opRegister:
				o.replyErr <- c.handleRegister(registry, o.conn)

			case opDeregister:
				c.handleDeregister(registry, o.connID)
				if len(registry) == 0 {
					emptySince = time.Now()
				}

			case opDispatch:
				o.replyInt <- c.handleDispatch(registry, o.target, o.update, o.exclude)

			case opSnapshot:
				o.replySnap <- c.buildSnapshot(registry, gen)

			case opShutdown:
				for id, conn := range registry {
					c.evict(conn, closeGoingAway, "server shutting down", metrics.EvictionShutdown)
					_ = conn.Transition(StateClosed)
					c.met.ConnectionsGauge.WithLabelValues(string(conn.Scope())).Dec()
					delete(registry, id)
				}
				c.teardown()
				o.replyErr <- nil
				// Ops queued behind the shutdown still hold waiting callers;
				// answer them before the loop exits
				for {
					select {
					case pending := <-c.ops:
						c.replyStale(pending)
					default:
						return
					}
				}
			}

		case <-sweep.C:
			if c.sweepIdle(registry) > 0 && len(registry) == 0 {
				emptySince = time.Now()
			}
			if len(registry) == 0 && time.Since(emptySince) >= c.cfg.IdleGroupGrace() {
				c.mu.Lock()
				if len(c.ops) == 0 {
					c.gen++
					c.running = false
					c.mu.Unlock()
					c.log.Info("Account %s group idle, tearing down (next generation %d)", c.accountID, gen+1)
					return
				}
				// An operation raced in; keep running
				c.mu.Unlock()
			}
		}
	}
}

func (c *Coordinator) teardown() {
	c.mu.Lock()
	c.gen++
	c.running = false
	c.mu.Unlock()
}

// replyStale answers reply channels so callers never hang, while dropping
// the operation's effect
func (c *Coordinator) replyStale(o op) {
	c.log.Debug("Account %s dropping operation from stale generation %d", c.accountID, o.gen)
	switch o.kind {
	case opRegister:
		o.replyErr <- ErrStaleGeneration
	case opDispatch:
		o.replyInt <- 0
	case opSnapshot:
		o.replySnap <- GroupSnapshot{AccountID: c.accountID}
	case opShutdown:
		o.replyErr <- nil
	}
}

func (c *Coordinator) handleRegister(registry map[string]*Conn, conn *Conn) error {
	if len(registry) >= c.cfg.MaxConnectionsPerAccount {
		c.log.Warn("Account %s at connection ceiling (%d), rejecting %s", c.accountID, c.cfg.MaxConnectionsPerAccount, conn.ID())
		return ErrConnectionLimit
	}

	if err := conn.Transition(StateOpen); err != nil {
		return err
	}
	registry[conn.ID()] = conn
	c.met.ConnectionsGauge.WithLabelValues(string(conn.Scope())).Inc()
	c.log.Info("Account %s registered connection %s scope=%s (total: %d)", c.accountID, conn.ID(), conn.Scope(), len(registry))
	return nil
}

func (c *Coordinator) handleDeregister(registry map[string]*Conn, connID string) {
	conn, ok := registry[connID]
	if !ok {
		return
	}
	delete(registry, connID)
	// Abrupt transport failures arrive here straight from open
	_ = conn.Transition(StateClosed)
	c.met.ConnectionsGauge.WithLabelValues(string(conn.Scope())).Dec()
	c.log.Info("Account %s deregistered connection %s (total: %d)", c.accountID, connID, len(registry))
}

func (c *Coordinator) handleDispatch(registry map[string]*Conn, target BroadcastTarget, update wire.Update, exclude string) int {
	env := wire.NewEnvelope(update)
	now := time.Now()
	count := 0

	for id, conn := range registry {
		if id == exclude {
			continue
		}
		if conn.State() != StateOpen {
			continue
		}
		if !target.Matches(conn) {
			continue
		}

		if conn.TryEnqueue(env) {
			count++
			conn.strikes = 0
			conn.Touch(now)
			c.met.DeliveredCounter.Inc()
			continue
		}

		// Queue at capacity: drop the frame, count it, and let repeated
		// overflows accumulate toward eviction rather than closing on the
		// first one
		conn.dropped++
		conn.strikes++
		c.met.DroppedCounter.Inc()
		c.log.Warn("Account %s connection %s outbound queue full, frame dropped (strikes: %d)", c.accountID, id, conn.strikes)

		if conn.strikes >= c.cfg.BackpressureStrikes {
			c.evict(conn, CloseConnectionLimit, "sustained outbound backpressure", metrics.EvictionBackpressure)
		}
	}

	return count
}

// sweepIdle evicts connections with no inbound frame and no successful
// delivery for the inactivity threshold, and reaps closing entries whose
// transport-side deregister never arrived. Returns the number of entries
// removed from the registry.
func (c *Coordinator) sweepIdle(registry map[string]*Conn) int {
	cutoff := time.Now().Add(-c.cfg.InactivityTimeout())
	removed := 0
	for id, conn := range registry {
		switch conn.State() {
		case StateOpen:
			if conn.LastActivity().Before(cutoff) {
				c.log.Info("Account %s connection %s idle past threshold, evicting", c.accountID, id)
				c.evict(conn, closeGoingAway, "inactivity timeout", metrics.EvictionInactivity)
			}

		case StateClosing:
			// A deregister dropped on a full op queue would otherwise pin
			// this entry against the account ceiling forever
			if conn.LastActivity().Before(cutoff) {
				c.log.Warn("Account %s connection %s stuck in closing, reaping", c.accountID, id)
				delete(registry, id)
				_ = conn.Transition(StateClosed)
				c.met.ConnectionsGauge.WithLabelValues(string(conn.Scope())).Dec()
				removed++
			}
		}
	}
	return removed
}

// evict moves the connection to closing and signals the transport. The
// registry entry is removed by the Deregister that follows the transport
// teardown.
func (c *Coordinator) evict(conn *Conn, code int, reason string, metricReason string) {
	if err := conn.Transition(StateClosing); err != nil {
		return
	}
	conn.RequestClose(code, reason)
	c.met.EvictionsCounter.WithLabelValues(metricReason).Inc()
}

func (c *Coordinator) buildSnapshot(registry map[string]*Conn, gen uint64) GroupSnapshot {
	snap := GroupSnapshot{
		AccountID:       c.accountID,
		Generation:      gen,
		ConnectionCount: len(registry),
		Connections:     make([]ConnectionSnapshot, 0, len(registry)),
	}
	for _, conn := range registry {
		ident := conn.Identity()
		snap.Connections = append(snap.Connections, ConnectionSnapshot{
			ID:            conn.ID(),
			Scope:         conn.Scope(),
			SessionID:     ident.SessionID,
			MachineID:     ident.MachineID,
			State:         conn.State().String(),
			QueueDepth:    conn.QueueDepth(),
			DroppedFrames: conn.dropped,
			LastActivity:  conn.LastActivity(),
		})
	}
	return snap
}
