package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/gorilla/websocket"

	"github.com/anamnesos/hivemind/pkg/limiter"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/version"
	"github.com/anamnesos/hivemind/pkg/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Frames above wire.MaxFrameBytes are answered and dropped; beyond this
	// hard cap gorilla kills the connection instead, because a peer pushing
	// megabytes at a local bus is broken, not chatty.
	hardReadLimit = 4 * wire.MaxFrameBytes
)

// serveConn runs the connection's read loop on the request goroutine and its
// write pump on a second one. It returns when the peer goes away or the
// server shuts down.
func (h *Hub) serveConn(ctx context.Context, conn *websocket.Conn) {
	c := h.registry.Add(ctx)
	ctx = dlog.WithField(ctx, "conn", c.ID)
	connGauge.Inc()
	defer connGauge.Dec()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.writePump(ctx, conn, c)
	}()
	// Once the pump is done (buffer closed or write error) or the server is
	// torn down hard, the socket is dead and the read loop must come off
	// ReadMessage.
	go func() {
		select {
		case <-pumpDone:
		case <-ctx.Done():
		}
		_ = conn.Close()
	}()

	c.SafeSend(wire.Welcome(c.ID, version.Version, wire.Millis(dtime.Now())))

	lim := limiter.NewSlidingWindow(h.RateLimit, h.RateWindow)
	conn.SetReadLimit(hardReadLimit)
	_ = conn.SetReadDeadline(dtime.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(dtime.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				dlog.Debugf(ctx, "read: %v", err)
			}
			break
		}
		_ = conn.SetReadDeadline(dtime.Now().Add(pongWait))
		h.handleFrame(ctx, c, raw, lim)
	}

	h.registry.Remove(ctx, c.ID)
	<-pumpDone
	_ = conn.Close()
}

// writePump drains the client's outbound buffer onto the socket and keeps the
// connection alive with pings. It exits when the buffer is closed or a write
// fails. Closing the buffer is the one shutdown path, so a stopped server
// always says goodbye with a normal closure, never a racing 1001.
func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, c *registry.Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case raw, ok := <-c.Outbound():
			_ = conn.SetWriteDeadline(dtime.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				dlog.Debugf(ctx, "write: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(dtime.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, c *registry.Client, raw []byte, lim *limiter.SlidingWindow) {
	now := dtime.Now()
	ts := wire.Millis(now)

	if !lim.Allow(now) {
		f, _ := wire.Decode(raw)
		dlog.Debugf(ctx, "rate limit exceeded")
		if f.AckEligible() {
			rec := &wire.AckRecord{Status: wire.StatusRateLimited, Error: "rate limit exceeded"}
			c.SafeSend(wire.SendAck(f.MessageID, rec, f.TraceContext().TraceID, ts))
		} else {
			c.SafeSend(wire.ErrorFrame("Rate limit exceeded", f.RequestID, c.PaneID(), ts))
		}
		return
	}

	if len(raw) > wire.MaxFrameBytes {
		f, _ := wire.Decode(raw)
		dlog.Warnf(ctx, "dropping oversize frame (%d bytes)", len(raw))
		if f.AckEligible() {
			rec := &wire.AckRecord{Status: wire.StatusOversize, Error: "frame exceeds maximum size"}
			c.SafeSend(wire.SendAck(f.MessageID, rec, f.TraceContext().TraceID, ts))
		} else {
			c.SafeSend(wire.ErrorFrame("Frame exceeds maximum size", f.RequestID, c.PaneID(), ts))
		}
		return
	}

	f, err := wire.Decode(raw)
	if err != nil {
		c.SafeSend(wire.ErrorFrame("Message must include a type", f.RequestID, c.PaneID(), ts))
		return
	}
	framesCounter.WithLabelValues(f.Type).Inc()
	h.registry.Touch(ctx, c.ID, f.Type)

	switch f.Type {
	case wire.TypeRegister:
		role, pane := h.registry.Register(ctx, c.ID, f.Role, f.PaneID)
		// Queued traffic first: a freshly registered pane wants the backlog
		// it missed before it hears anything else.
		if h.queue != nil {
			if n := h.queue.FlushForClient(ctx, c, queue.FlushSourceRegister); n > 0 {
				dlog.Infof(ctx, "flushed %d queued message(s) to %s", n, c.ID)
			}
		}
		c.SafeSend(wire.Registered(string(role), pane, ts))

	case wire.TypeSend, wire.TypeBroadcast:
		h.dispatcher.Dispatch(ctx, c, f)

	case wire.TypeHealthCheck:
		staleAfter := h.StaleAfter
		if f.StaleAfterMs > 0 {
			staleAfter = time.Duration(f.StaleAfterMs) * time.Millisecond
		}
		rh := h.registry.RouteHealth(f.Target, staleAfter)
		res := &wire.HealthCheckResult{
			RequestID:        f.RequestID,
			Target:           rh.Target,
			Healthy:          rh.Healthy,
			Status:           rh.Status,
			Role:             string(rh.Role),
			PaneID:           rh.PaneID,
			StaleThresholdMs: staleAfter.Milliseconds(),
			Timestamp:        ts,
		}
		if !rh.LastSeen.IsZero() {
			res.LastSeen = wire.Millis(rh.LastSeen)
			res.AgeMs = rh.Age.Milliseconds()
		}
		c.SafeSend(res.Encode())

	case wire.TypeDeliveryCheck:
		if f.MessageID == "" {
			c.SafeSend(wire.ErrorFrame("delivery-check requires messageId", f.RequestID, c.PaneID(), ts))
			return
		}
		rec, pending := h.dedup.Lookup(f.MessageID)
		c.SafeSend(wire.DeliveryCheckResult(f.RequestID, f.MessageID, rec != nil || pending, pending, rec, ts))

	case wire.TypeHeartbeat:
		// Touch above is the whole point of a heartbeat; no reply.

	case wire.TypeText:
		if !json.Valid(raw) {
			c.SafeSend(wire.ErrorFrame("Invalid message format", "", c.PaneID(), ts))
			return
		}
		dlog.Debugf(ctx, "text frame: %q", f.Content)

	default:
		c.SafeSend(wire.ErrorFrame("Unknown message type: "+f.Type, f.RequestID, c.PaneID(), ts))
	}
}
