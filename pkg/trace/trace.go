// Package trace mints and threads the correlation identifiers that ride on
// every frame: a traceId naming the whole conversation, and a parent/event
// pair forming the causality chain within it.
package trace

import (
	"strings"

	"github.com/google/uuid"
)

// Context is the trace triple carried by a frame.
type Context struct {
	TraceID       string `json:"traceId,omitempty"`
	ParentEventID string `json:"parentEventId,omitempty"`
	EventID       string `json:"eventId,omitempty"`
}

// New returns a fresh trace rooted at a new event.
func New() Context {
	return Context{
		TraceID: NewTraceID(),
		EventID: NewEventID(),
	}
}

// Advance returns the next hop of the trace. The traceId is inherited, the
// current event becomes the parent, and a new eventId is minted. A zero
// Context advances to a fresh trace.
func (c Context) Advance() Context {
	n := Context{
		TraceID:       c.TraceID,
		ParentEventID: c.EventID,
		EventID:       NewEventID(),
	}
	if n.TraceID == "" {
		n.TraceID = NewTraceID()
	}
	return n
}

// IsZero reports whether no part of the trace is set.
func (c Context) IsZero() bool {
	return c.TraceID == "" && c.ParentEventID == "" && c.EventID == ""
}

func NewTraceID() string {
	return "trc-" + short()
}

func NewEventID() string {
	return "evt-" + short()
}

// NewQueueID names a persisted outbound-queue entry.
func NewQueueID() string {
	return "oq-" + short()
}

// NewMessageID is used for outbound frames whose sender supplied none.
func NewMessageID() string {
	return "msg-" + short()
}

// NewScopeID names a coordination session. A restart with a fresh scope
// invalidates any queue entries persisted under the old one.
func NewScopeID() string {
	return "scope-" + short()
}

func short() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
