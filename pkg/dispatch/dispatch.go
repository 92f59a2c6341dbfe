// Package dispatch routes validated send and broadcast frames to their
// receivers and produces the AckRecord for each one. It is the only writer
// of the dedup caches and the only producer of queue entries, so every
// delivery outcome funnels through here exactly once.
package dispatch

import (
	"context"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/anamnesos/hivemind/pkg/dedup"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/wire"
)

// Handler is the host-side collaborator invoked for frames that need
// delivery outside the WebSocket plane. It may return a partial verdict;
// absent fields are inferred from ok. Panics are contained and reported as
// handler errors.
type Handler func(ctx context.Context, req *Request) (*wire.HandlerResult, error)

// Request is what the handler sees. It crosses the worker IPC boundary in
// worker-process mode, hence the wire tags.
type Request struct {
	ClientID     string        `json:"clientId"`
	PaneID       string        `json:"paneId"`
	Role         string        `json:"role"`
	Message      *wire.Frame   `json:"message"`
	TraceContext trace.Context `json:"traceContext"`
}

type Dispatcher struct {
	registry *registry.Registry
	dedup    *dedup.Cache
	handler  Handler
	queue    *queue.Queue
}

func New(reg *registry.Registry, cache *dedup.Cache, handler Handler) *Dispatcher {
	return &Dispatcher{registry: reg, dedup: cache, handler: handler}
}

// BindQueue attaches the outbound queue. Called once during wiring, before
// any frame is dispatched; the queue's deliver callback points back at this
// dispatcher.
func (d *Dispatcher) BindQueue(q *queue.Queue) {
	d.queue = q
}

// Dispatch admits the frame through the dedup ladder, dispatches it if it is
// the first of its kind, replies send-ack to the originator, and returns the
// record. Retries of an in-flight or settled messageId (or of an identical
// payload under a fresh id) are answered from the dedup layer without a
// second delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, src *registry.Client, f *wire.Frame) *wire.AckRecord {
	started := dtime.Now()

	if !f.AckEligible() {
		rec, err := d.dispatchOnce(ctx, src, f, started)
		if err != nil {
			dlog.Errorf(ctx, "!! DISPATCH %s: %v", f.Type, err)
		}
		d.sendAck(src, f, rec)
		return rec
	}

	sig := wire.Signature(f.Type, string(src.Role()), src.PaneID(), f.Target, f.Priority, f.Content)
	rec, st, err := d.dedup.Admit(ctx, f.MessageID, sig)
	if err != nil {
		rec = &wire.AckRecord{Status: wire.StatusHandlerError, Error: err.Error()}
		d.sendAck(src, f, rec)
		return rec
	}
	if rec != nil {
		dlog.Debugf(ctx, "DEDUP %s served %s (mode=%s)", src.ID, f.MessageID, rec.Dedupe.Mode)
		d.sendAck(src, f, rec)
		return rec
	}

	rec, derr := d.dispatchOnce(ctx, src, f, started)
	if derr != nil {
		st.Reject(derr)
	} else {
		st.Resolve(rec)
	}
	d.sendAck(src, f, rec)
	return rec
}

// dispatchOnce performs one actual delivery attempt: resolve, fan out,
// handler, merge. The returned error is non-nil only when the handler failed;
// the record is always usable for the reply.
func (d *Dispatcher) dispatchOnce(ctx context.Context, src *registry.Client, f *wire.Frame, started time.Time) (*wire.AckRecord, error) {
	tc := f.TraceContext().Advance()
	now := dtime.Now()
	broadcast := f.Type == wire.TypeBroadcast

	if !broadcast && f.Target == "" {
		rec := &wire.AckRecord{Status: wire.StatusInvalidTarget}
		d.finish(ctx, f, rec, started)
		return rec, nil
	}

	var matches []*registry.Client
	if broadcast {
		for _, c := range d.registry.Snapshot() {
			if c != src && !c.Closed() {
				matches = append(matches, c)
			}
		}
	} else {
		matches = d.registry.Lookup(f.Target)
	}

	out := &wire.Delivery{
		Type:          wire.TypeMessage,
		From:          string(src.Role()),
		FromPane:      src.PaneID(),
		Target:        f.Target,
		Content:       f.Content,
		Priority:      f.Priority,
		Metadata:      f.Metadata,
		TraceID:       tc.TraceID,
		ParentEventID: tc.ParentEventID,
		EventID:       tc.EventID,
		Timestamp:     wire.Millis(now),
	}
	if broadcast {
		out.Type = wire.TypeBroadcast
		out.Target = ""
	}
	raw := out.Encode()

	wsCount := 0
	for _, c := range matches {
		if c.SafeSend(raw) {
			wsCount++
		}
	}

	// The handler is the fan-out to non-WS transports. A send that already
	// reached a live socket must not also go through it, that would deliver
	// twice. Broadcasts always do: their non-WS audience is independent of
	// however many sockets just got a copy.
	var hr *wire.HandlerResult
	var herr error
	if d.handler != nil && !(f.Type == wire.TypeSend && wsCount > 0) {
		hr, herr = d.invokeHandler(ctx, src, f, tc)
	}
	if herr != nil {
		rec := &wire.AckRecord{
			Status:          wire.StatusHandlerError,
			WSDeliveryCount: wsCount,
			Error:           herr.Error(),
		}
		d.finish(ctx, f, rec, started)
		return rec, herr
	}

	var hOk, hVerified, hAccepted, hQueued bool
	if hr != nil {
		hOk = deref(hr.Ok, false)
		hVerified = deref(hr.Verified, hOk)
		hAccepted = deref(hr.Accepted, hOk)
		hQueued = deref(hr.Queued, false)
	}
	rec := &wire.AckRecord{
		WSDeliveryCount: wsCount,
		HandlerResult:   hr,
	}
	rec.Verified = wsCount > 0 || hVerified
	rec.Accepted = rec.Verified || hAccepted
	rec.Queued = rec.Verified || hQueued
	rec.Ok = rec.Verified

	switch {
	case hr != nil && hr.Status != "":
		rec.Status = hr.Status
	case wsCount > 0:
		rec.Status = wire.StatusDeliveredWebsocket
	case rec.Verified:
		rec.Status = wire.StatusDeliveredVerified
	case rec.Accepted:
		rec.Status = wire.StatusAcceptedUnverified
	default:
		rec.Status = wire.StatusUnrouted
	}

	// Nobody listening and the handler declined: park the message for the
	// next registration. A handler that issued its own status already made
	// the call (a bridge timeout must surface as one, not be shadowed by
	// queueing); broadcasts are ephemeral and never queued.
	if !broadcast && !rec.Accepted && (hr == nil || hr.Status == "") && d.queue != nil {
		d.queue.Enqueue(ctx, f.Target, f.Content, queue.Meta{
			Priority: f.Priority,
			FromRole: string(src.Role()),
			FromPane: src.PaneID(),
			Trace:    &tc,
		}, queue.QueuedByDispatcher)
		rec.Accepted = true
		rec.Queued = true
		rec.Status = wire.StatusAcceptedUnverified
	}

	d.finish(ctx, f, rec, started)
	return rec, nil
}

func (d *Dispatcher) invokeHandler(ctx context.Context, src *registry.Client, f *wire.Frame, tc trace.Context) (hr *wire.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "!! HANDLER panic: %+v", err)
			hr = nil
		}
	}()
	return d.handler(ctx, &Request{
		ClientID:     src.ID,
		PaneID:       src.PaneID(),
		Role:         string(src.Role()),
		Message:      f,
		TraceContext: tc,
	})
}

func (d *Dispatcher) finish(ctx context.Context, f *wire.Frame, rec *wire.AckRecord, started time.Time) {
	rec.AckLatencyMs = dtime.Now().Sub(started).Milliseconds()
	ackLatency.Observe(float64(rec.AckLatencyMs))
	dispatchCounter.WithLabelValues(f.Type, rec.Status).Inc()
	dlog.Debugf(ctx, "DISPATCH %s target=%q ws=%d status=%s latency=%dms",
		f.Type, f.Target, rec.WSDeliveryCount, rec.Status, rec.AckLatencyMs)
}

func (d *Dispatcher) sendAck(src *registry.Client, f *wire.Frame, rec *wire.AckRecord) {
	traceID := f.TraceContext().TraceID
	src.SafeSend(wire.SendAck(f.MessageID, rec, traceID, wire.Millis(dtime.Now())))
}

// DeliverQueued replays one queue entry. It satisfies queue.DeliverFunc; the
// queue decides what happens to the entry based on the outcome.
func (d *Dispatcher) DeliverQueued(ctx context.Context, e *queue.Entry, only *registry.Client) queue.FlushOutcome {
	matches := d.registry.Lookup(e.Target)
	if only != nil {
		narrowed := matches[:0]
		for _, c := range matches {
			if c.ID == only.ID {
				narrowed = append(narrowed, c)
			}
		}
		matches = narrowed
	}
	if len(matches) == 0 {
		return queue.FlushSkipped
	}

	var tc trace.Context
	if e.Meta.Trace != nil {
		tc = e.Meta.Trace.Advance()
	} else {
		tc = trace.New()
	}
	raw := (&wire.Delivery{
		Type:          wire.TypeMessage,
		From:          e.Meta.FromRole,
		FromPane:      e.Meta.FromPane,
		Target:        e.Target,
		Content:       e.Content,
		Priority:      e.Meta.Priority,
		TraceID:       tc.TraceID,
		ParentEventID: tc.ParentEventID,
		EventID:       tc.EventID,
		Timestamp:     wire.Millis(dtime.Now()),
	}).Encode()

	delivered := 0
	for _, c := range matches {
		if c.SafeSend(raw) {
			delivered++
		}
	}
	if delivered == 0 {
		return queue.FlushFailed
	}
	dlog.Debugf(ctx, "QUEUE replayed %s to %d client(s)", e.ID, delivered)
	return queue.FlushDelivered
}

func deref(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
