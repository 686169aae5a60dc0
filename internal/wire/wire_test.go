package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeShapeA(t *testing.T) {
	now := time.Now()

	upd, err := Normalize([]byte(`{"event":"x","data":{"a":1},"ackId":"r1"}`), now)
	require.NoError(t, err)

	assert.Equal(t, "x", upd.Kind)
	assert.JSONEq(t, `{"a":1}`, string(upd.Payload))
	assert.Equal(t, "r1", upd.CorrelationID)
	assert.Equal(t, now, upd.ProducedAt)
}

func TestNormalizeShapeB(t *testing.T) {
	now := time.Now()

	upd, err := Normalize([]byte(`{"type":"x","payload":{"a":1},"timestamp":0,"messageId":"r1"}`), now)
	require.NoError(t, err)

	assert.Equal(t, "x", upd.Kind)
	assert.JSONEq(t, `{"a":1}`, string(upd.Payload))
	assert.Equal(t, "r1", upd.CorrelationID)
	assert.Equal(t, now, upd.ProducedAt, "inbound timestamp must be ignored")
}

func TestNormalizeShapesAgree(t *testing.T) {
	now := time.Now()

	a, err := Normalize([]byte(`{"event":"x","data":{"a":1},"ackId":"r1"}`), now)
	require.NoError(t, err)
	b, err := Normalize([]byte(`{"type":"x","payload":{"a":1},"timestamp":0,"messageId":"r1"}`), now)
	require.NoError(t, err)

	assert.Equal(t, a.Kind, b.Kind)
	assert.JSONEq(t, string(a.Payload), string(b.Payload))
	assert.Equal(t, a.CorrelationID, b.CorrelationID)
}

func TestNormalizeOptionalCorrelation(t *testing.T) {
	upd, err := Normalize([]byte(`{"event":"x","data":null}`), time.Now())
	require.NoError(t, err)
	assert.Empty(t, upd.CorrelationID)
}

func TestNormalizeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{broken`},
		{"missing both discriminators", `{"data":{"a":1}}`},
		{"both discriminators", `{"event":"x","type":"y"}`},
		{"shape A with shape B fields", `{"event":"x","messageId":"r1"}`},
		{"shape A with payload", `{"event":"x","payload":{}}`},
		{"shape B with shape A fields", `{"type":"x","data":{}}`},
		{"shape B with ackId", `{"type":"x","ackId":"r1"}`},
		{"empty event name", `{"event":""}`},
		{"empty type name", `{"type":""}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize([]byte(tc.raw), time.Now())
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	now := time.Now()
	upd := Update{
		Kind:          "session.updated",
		Payload:       json.RawMessage(`{"rev":7}`),
		ProducedAt:    now,
		CorrelationID: "corr-1",
	}

	env := NewEnvelope(upd)
	assert.Equal(t, "session.updated", env.Type)
	assert.Equal(t, "corr-1", env.MessageID)
	assert.Equal(t, now.UTC().Format(time.RFC3339Nano), env.Timestamp)
}

func TestNewEnvelopeGeneratesMessageID(t *testing.T) {
	env1 := NewEnvelope(Update{Kind: "ping", ProducedAt: time.Now()})
	env2 := NewEnvelope(Update{Kind: "ping", ProducedAt: time.Now()})

	assert.NotEmpty(t, env1.MessageID)
	assert.NotEqual(t, env1.MessageID, env2.MessageID)
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := NewEnvelope(Update{
		Kind:          "x",
		Payload:       json.RawMessage(`{"a":1}`),
		ProducedAt:    time.Unix(0, 0),
		CorrelationID: "m1",
	})

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Contains(t, out, "type")
	assert.Contains(t, out, "payload")
	assert.Contains(t, out, "timestamp")
	assert.Contains(t, out, "messageId")
}
