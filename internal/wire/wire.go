// Package wire normalizes inbound frames between the two accepted wire
// shapes and defines the canonical outbound envelope. Normalization is a
// pure mapping with no side effects, so it is safe to call concurrently
// and can be tested without any transport or routing in place.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed is returned for frames matching neither accepted shape
var ErrMalformed = errors.New("malformed message")

// Error code surfaced when an inbound frame cannot be normalized
const ErrorCodeMalformedMessage = "MALFORMED_MESSAGE"

// Update is the canonical internal form of an update event
type Update struct {
	// Kind is the business event name
	Kind string

	// Payload is opaque to the hub
	Payload json.RawMessage

	// ProducedAt is stamped by the hub, never taken from the frame
	ProducedAt time.Time

	// CorrelationID is propagated from the originating request, if any
	CorrelationID string
}

// inboundFrame is the union of both accepted shapes. Pointer fields
// distinguish an absent field from a present empty one.
type inboundFrame struct {
	// Shape A (event-style)
	Event *string         `json:"event"`
	Data  json.RawMessage `json:"data"`
	AckID *string         `json:"ackId"`

	// Shape B (typed-envelope style)
	Type      *string         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp json.RawMessage `json:"timestamp"`
	MessageID *string         `json:"messageId"`
}

// Normalize parses an inbound frame in either accepted shape and returns
// the canonical update, stamped with now. Frames missing both
// discriminators, carrying both, or mixing fields across shapes are
// rejected with ErrMalformed and no partial interpretation.
func Normalize(raw []byte, now time.Time) (Update, error) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Update{}, ErrMalformed
	}

	switch {
	case frame.Event != nil && frame.Type != nil:
		// Both discriminators present
		return Update{}, ErrMalformed

	case frame.Event != nil:
		// Shape A; shape B fields must be absent
		if frame.Payload != nil || frame.Timestamp != nil || frame.MessageID != nil {
			return Update{}, ErrMalformed
		}
		if *frame.Event == "" {
			return Update{}, ErrMalformed
		}
		upd := Update{
			Kind:       *frame.Event,
			Payload:    frame.Data,
			ProducedAt: now,
		}
		if frame.AckID != nil {
			upd.CorrelationID = *frame.AckID
		}
		return upd, nil

	case frame.Type != nil:
		// Shape B; shape A fields must be absent. The inbound timestamp is
		// ignored, the hub stamps its own.
		if frame.Data != nil || frame.AckID != nil {
			return Update{}, ErrMalformed
		}
		if *frame.Type == "" {
			return Update{}, ErrMalformed
		}
		upd := Update{
			Kind:       *frame.Type,
			Payload:    frame.Payload,
			ProducedAt: now,
		}
		if frame.MessageID != nil {
			upd.CorrelationID = *frame.MessageID
		}
		return upd, nil

	default:
		return Update{}, ErrMalformed
	}
}

// Envelope is the canonical outbound frame shape
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
	MessageID string          `json:"messageId"`
}

// NewEnvelope builds the outbound frame for an update. A message id is
// generated when the update carries no correlation id.
func NewEnvelope(upd Update) *Envelope {
	messageID := upd.CorrelationID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return &Envelope{
		Type:      upd.Kind,
		Payload:   upd.Payload,
		Timestamp: upd.ProducedAt.UTC().Format(time.RFC3339Nano),
		MessageID: messageID,
	}
}
