package hub

import "time"

// FilterKind selects which connection field a broadcast target matches
type FilterKind string

const (
	FilterAccount FilterKind = "account"
	FilterSession FilterKind = "session"
	FilterMachine FilterKind = "machine"
)

// BroadcastTarget is the filter an update is fanned out against
type BroadcastTarget struct {
	Kind  FilterKind
	Value string
}

// Matches reports whether a connection should receive an update for this
// target. An account filter matches every connection in the group,
// independent of scope label. Session and machine filters match the
// connection's own binding regardless of scope, since a session-scoped
// viewer and a machine-scoped agent may share a session id.
func (t BroadcastTarget) Matches(conn *Conn) bool {
	switch t.Kind {
	case FilterAccount:
		return true
	case FilterSession:
		return conn.Identity().SessionID != "" && conn.Identity().SessionID == t.Value
	case FilterMachine:
		return conn.Identity().MachineID != "" && conn.Identity().MachineID == t.Value
	default:
		return false
	}
}

// ConnectionSnapshot is a read-only view of one connection for monitoring
type ConnectionSnapshot struct {
	ID            string    `json:"id"`
	Scope         Scope     `json:"scope"`
	SessionID     string    `json:"sessionId,omitempty"`
	MachineID     string    `json:"machineId,omitempty"`
	State         string    `json:"state"`
	QueueDepth    int       `json:"queueDepth"`
	DroppedFrames uint64    `json:"droppedFrames"`
	LastActivity  time.Time `json:"lastActivity"`
}

// GroupSnapshot is a read-only view of one account group
type GroupSnapshot struct {
	AccountID       string               `json:"accountId"`
	Generation      uint64               `json:"generation"`
	ConnectionCount int                  `json:"connectionCount"`
	Connections     []ConnectionSnapshot `json:"connections"`
}
