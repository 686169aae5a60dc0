package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypoint/relaypoint/internal/wire"
)

func TestConnInitialState(t *testing.T) {
	conn := NewConn(ScopeSession, Identity{AccountID: "a", SessionID: "s1"}, 4)

	assert.NotEmpty(t, conn.ID())
	assert.Equal(t, StateConnecting, conn.State())
	assert.Equal(t, ScopeSession, conn.Scope())
	assert.Equal(t, "s1", conn.Identity().SessionID)
	assert.Equal(t, 0, conn.QueueDepth())
}

func TestConnLifecycle(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)

	require.NoError(t, conn.Transition(StateOpen))
	require.NoError(t, conn.Transition(StateClosing))
	require.NoError(t, conn.Transition(StateClosed))
	assert.Equal(t, StateClosed, conn.State())
}

func TestConnAbruptClose(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)

	require.NoError(t, conn.Transition(StateOpen))
	// Transport failure skips closing
	require.NoError(t, conn.Transition(StateClosed))
}

func TestConnRejectedHandshakeClose(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)
	require.NoError(t, conn.Transition(StateClosed))
}

func TestConnIllegalTransitions(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)

	assert.Error(t, conn.Transition(StateClosing), "connecting cannot skip to closing")

	require.NoError(t, conn.Transition(StateOpen))
	assert.Error(t, conn.Transition(StateConnecting))
	assert.Error(t, conn.Transition(StateOpen))

	require.NoError(t, conn.Transition(StateClosed))
	assert.Error(t, conn.Transition(StateOpen), "closed is terminal")
	assert.Error(t, conn.Transition(StateClosing), "closed is terminal")
}

func TestConnEnqueueSaturates(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 2)
	env := &wire.Envelope{Type: "ping"}

	assert.True(t, conn.TryEnqueue(env))
	assert.True(t, conn.TryEnqueue(env))
	assert.False(t, conn.TryEnqueue(env), "queue at capacity must not grow")
	assert.Equal(t, 2, conn.QueueDepth())
}

func TestConnOutboundFIFO(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 4)

	for _, kind := range []string{"one", "two", "three"} {
		require.True(t, conn.TryEnqueue(&wire.Envelope{Type: kind}))
	}

	assert.Equal(t, "one", (<-conn.Outbound()).Type)
	assert.Equal(t, "two", (<-conn.Outbound()).Type)
	assert.Equal(t, "three", (<-conn.Outbound()).Type)
}

func TestConnTouch(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)

	then := time.Now().Add(-time.Hour)
	conn.Touch(then)
	assert.WithinDuration(t, then, conn.LastActivity(), time.Millisecond)
}

func TestConnRequestCloseOnce(t *testing.T) {
	conn := NewConn(ScopeUser, Identity{AccountID: "a"}, 1)

	conn.RequestClose(CloseConnectionLimit, "backpressure")
	conn.RequestClose(closeGoingAway, "second request ignored")

	sig := <-conn.CloseRequests()
	assert.Equal(t, CloseConnectionLimit, sig.Code)
	assert.Equal(t, "backpressure", sig.Reason)

	select {
	case <-conn.CloseRequests():
		t.Fatal("only the first close request should be signaled")
	default:
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}
