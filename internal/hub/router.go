package hub

import (
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/logger"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/wire"
)

const groupShards = 16

type groupShard struct {
	mu     sync.RWMutex
	groups map[string]*Coordinator
}

// Router resolves an account to its coordinator and forwards broadcast
// requests. Safe for concurrent use by any number of producers; ordering
// within one account is whatever order the coordinator's queue processes.
type Router struct {
	cfg config.HubConfig
	log *logger.Logger
	met *metrics.HubMetrics

	shards [groupShards]*groupShard
}

// NewRouter creates a broadcast router
func NewRouter(cfg config.HubConfig, log *logger.Logger, met *metrics.HubMetrics) *Router {
	r := &Router{
		cfg: cfg,
		log: log.WithPrefix("router"),
		met: met,
	}
	for i := range r.shards {
		r.shards[i] = &groupShard{groups: make(map[string]*Coordinator)}
	}
	return r
}

func (r *Router) shard(accountID string) *groupShard {
	return r.shards[xxhash.Sum64String(accountID)%groupShards]
}

// coordinator returns the account's coordinator, creating it lazily
func (r *Router) coordinator(accountID string) *Coordinator {
	s := r.shard(accountID)

	s.mu.RLock()
	c, ok := s.groups[accountID]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.groups[accountID]; ok {
		return c
	}
	c = NewCoordinator(accountID, r.cfg, r.log, r.met)
	s.groups[accountID] = c
	r.log.Debug("Created coordinator for account %s", accountID)
	return c
}

// Register hands a connection to its account's coordinator. A register
// that raced a group teardown is resubmitted once against the fresh
// generation.
func (r *Router) Register(conn *Conn) error {
	c := r.coordinator(conn.Identity().AccountID)

	err := c.Register(conn)
	if errors.Is(err, ErrStaleGeneration) {
		err = c.Register(conn)
	}
	return err
}

// Deregister removes a connection from its account's coordinator.
// Idempotent.
func (r *Router) Deregister(accountID, connID string) {
	r.coordinator(accountID).Deregister(connID)
}

// Publish fans an update out within exactly one account group and returns
// the number of connections it was enqueued to. Cross-account broadcast is
// not supported; callers publish once per affected account.
func (r *Router) Publish(accountID string, target BroadcastTarget, update wire.Update) int {
	return r.coordinator(accountID).Dispatch(target, update, "")
}

// PublishFrom is Publish with the originating connection excluded, used
// for client-originated updates so senders do not hear their own frames
func (r *Router) PublishFrom(accountID, originConnID string, target BroadcastTarget, update wire.Update) int {
	return r.coordinator(accountID).Dispatch(target, update, originConnID)
}

// Snapshot returns monitoring views of all groups with live state, sorted
// by account id. Torn-down groups are skipped, not resurrected.
func (r *Router) Snapshot() []GroupSnapshot {
	var out []GroupSnapshot
	for _, s := range r.shards {
		s.mu.RLock()
		coords := make([]*Coordinator, 0, len(s.groups))
		for _, c := range s.groups {
			coords = append(coords, c)
		}
		s.mu.RUnlock()

		for _, c := range coords {
			if snap, ok := c.Snapshot(); ok {
				out = append(out, snap)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Shutdown evicts every connection in every group
func (r *Router) Shutdown() {
	r.log.Info("Shutting down router, closing all groups")
	for _, s := range r.shards {
		s.mu.RLock()
		coords := make([]*Coordinator, 0, len(s.groups))
		for _, c := range s.groups {
			coords = append(coords, c)
		}
		s.mu.RUnlock()

		for _, c := range coords {
			c.Shutdown()
		}
	}
}
