// Package wire defines the frame model spoken on the local WebSocket port
// and the ack records that every delivery produces. One WebSocket message is
// one JSON object; there is no envelope beyond the "type" discriminator.
package wire

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/anamnesos/hivemind/pkg/trace"
)

// MaxFrameBytes is the largest frame the hub accepts. Larger frames are
// answered with an error and dropped without touching any cache.
const MaxFrameBytes = 256 * 1024

// Frame types spoken by clients.
const (
	TypeRegister      = "register"
	TypeSend          = "send"
	TypeBroadcast     = "broadcast"
	TypeHealthCheck   = "health-check"
	TypeDeliveryCheck = "delivery-check"
	TypeHeartbeat     = "heartbeat"
	TypeText          = "text"
)

// Frame types emitted by the hub.
const (
	TypeWelcome             = "welcome"
	TypeRegistered          = "registered"
	TypeMessage             = "message"
	TypeSendAck             = "send-ack"
	TypeHealthCheckResult   = "health-check-result"
	TypeDeliveryCheckResult = "delivery-check-result"
	TypeError               = "error"
)

// ErrMissingType marks a frame that parsed as JSON but carries no usable
// "type" member.
var ErrMissingType = errors.New("frame has no type")

// Frame is the decoded client frame. Only the members matching the frame's
// type are meaningful; the rest stay at their zero values.
type Frame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// register
	Role   string `json:"role,omitempty"`
	PaneID string `json:"paneId,omitempty"`

	// send / broadcast
	Target      string         `json:"target,omitempty"`
	Content     string         `json:"content,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	AckRequired bool           `json:"ackRequired,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// health-check
	StaleAfterMs int64 `json:"staleAfterMs,omitempty"`

	// trace propagation; either a traceContext object or flat fields
	Trace         *trace.Context `json:"traceContext,omitempty"`
	TraceID       string         `json:"traceId,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
	EventID       string         `json:"eventId,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// Decode parses a raw WebSocket message into a Frame. Decoding is tolerant:
// input that is not a JSON object comes back as a "text" frame carrying the
// raw bytes as content, so that a confused client shows up in logs instead of
// killing its connection. A frame with a blank type is rejected with
// ErrMissingType; the returned frame still carries any requestId found so the
// caller can address its error reply.
func Decode(raw []byte) (*Frame, error) {
	f := Frame{}
	if err := json.Unmarshal(raw, &f); err != nil {
		return &Frame{Type: TypeText, Content: string(raw)}, nil
	}
	f.Type = strings.TrimSpace(f.Type)
	f.MessageID = strings.TrimSpace(f.MessageID)
	f.RequestID = strings.TrimSpace(f.RequestID)
	f.Role = strings.TrimSpace(f.Role)
	f.PaneID = strings.TrimSpace(f.PaneID)
	f.Target = strings.TrimSpace(f.Target)
	f.Priority = strings.TrimSpace(strings.ToLower(f.Priority))
	if f.Type == "" {
		return &f, ErrMissingType
	}
	return &f, nil
}

// TraceContext returns the trace carried by the frame, preferring the nested
// traceContext object over flat fields.
func (f *Frame) TraceContext() trace.Context {
	if f.Trace != nil && !f.Trace.IsZero() {
		return *f.Trace
	}
	return trace.Context{TraceID: f.TraceID, ParentEventID: f.ParentEventID, EventID: f.EventID}
}

// AckEligible reports whether the frame participates in the ack/dedup
// machinery: a send or broadcast that asks for an ack and carries an
// idempotency key.
func (f *Frame) AckEligible() bool {
	return (f.Type == TypeSend || f.Type == TypeBroadcast) && f.AckRequired && f.MessageID != ""
}

// Millis is the timestamp representation used on every frame and in the
// persisted queue.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
