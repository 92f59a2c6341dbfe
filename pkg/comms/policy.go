package comms

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"

	"github.com/anamnesos/hivemind/pkg/bridge"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/maps"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/roles"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/wire"
)

// DevicePrefix marks a send target as cross-device: "device:<id>".
const DevicePrefix = "device:"

// DevicePolicy admits or rejects a cross-device send before it reaches the
// relay. fromRole is the sender's registered role, toDevice the raw target
// with the prefix stripped.
type DevicePolicy func(fromRole roles.Role, toDevice string) error

// DefaultDevicePolicy is architect-to-architect only: cross-device messages
// always land on the remote architect pane, and only the local architect
// may originate them.
func DefaultDevicePolicy(fromRole roles.Role, toDevice string) error {
	if fromRole == roles.Architect {
		return nil
	}
	return errors.Errorf("role %q may not address device targets", string(fromRole))
}

// BridgeRoutingHandler wraps next with cross-device routing: send frames
// whose target is "device:<id>" are relayed over the bridge, subject to
// policy. Everything else falls through to next unchanged, so the bridge
// never sees local traffic and next never sees device targets.
func BridgeRoutingHandler(br *bridge.Client, policy DevicePolicy, next dispatch.Handler) dispatch.Handler {
	if policy == nil {
		policy = DefaultDevicePolicy
	}
	return func(ctx context.Context, req *dispatch.Request) (*wire.HandlerResult, error) {
		f := req.Message
		if f == nil || f.Type != wire.TypeSend || !strings.HasPrefix(f.Target, DevicePrefix) {
			if next != nil {
				return next(ctx, req)
			}
			return nil, nil
		}
		toDevice := strings.TrimPrefix(f.Target, DevicePrefix)
		if err := policy(roles.Role(req.Role), toDevice); err != nil {
			dlog.Warnf(ctx, "cross-device send %s rejected: %v", f.MessageID, err)
			return &wire.HandlerResult{Ok: wire.Bool(false), Status: wire.StatusInvalidTarget}, nil
		}
		if br == nil {
			return &wire.HandlerResult{Ok: wire.Bool(false), Status: wire.StatusBridgeUnavailable}, nil
		}
		res := br.SendToDevice(ctx, bridge.SendOptions{
			MessageID: f.MessageID,
			ToDevice:  toDevice,
			FromRole:  req.Role,
			Content:   f.Content,
			Metadata:  f.Metadata,
		})
		return &wire.HandlerResult{
			Ok:       wire.Bool(res.Ok),
			Accepted: wire.Bool(res.Accepted),
			Queued:   wire.Bool(res.Queued),
			Verified: wire.Bool(res.Verified),
			Status:   res.Status,
		}, nil
	}
}

// deliverInbound hands an xdeliver from another device to local receivers:
// everyone registered under the target role gets a message frame, and with
// nobody listening the content is parked on the outbound queue exactly like
// a local routing miss. The verdict travels back to the relay as the xack.
func deliverInbound(ctx context.Context, reg *registry.Registry, q *queue.Queue, d *bridge.InboundDelivery) (*wire.HandlerResult, error) {
	target := d.TargetRole
	if target == "" {
		target = string(roles.Architect)
	}
	tc := trace.New()

	meta := maps.Copy(d.Metadata)
	if meta == nil {
		meta = make(map[string]any, 1)
	}
	meta["fromDevice"] = d.FromDevice

	raw := (&wire.Delivery{
		Type:          wire.TypeMessage,
		MessageID:     d.MessageID,
		From:          d.FromRole,
		Target:        target,
		Content:       d.Content,
		Metadata:      meta,
		TraceID:       tc.TraceID,
		ParentEventID: tc.ParentEventID,
		EventID:       tc.EventID,
		Timestamp:     wire.Millis(dtime.Now()),
	}).Encode()

	delivered := 0
	for _, c := range reg.Lookup(target) {
		if c.SafeSend(raw) {
			delivered++
		}
	}
	if delivered > 0 {
		dlog.Debugf(ctx, "BRIDGE inbound %s delivered to %d client(s)", d.MessageID, delivered)
		return &wire.HandlerResult{Ok: wire.Bool(true), Status: wire.StatusBridgeDelivered}, nil
	}
	if q != nil {
		q.Enqueue(ctx, target, d.Content, queue.Meta{
			FromRole: d.FromRole,
			Trace:    &tc,
		}, queue.QueuedByBridge)
		dlog.Debugf(ctx, "BRIDGE inbound %s queued for %q", d.MessageID, target)
		return &wire.HandlerResult{
			Ok:       wire.Bool(false),
			Accepted: wire.Bool(true),
			Queued:   wire.Bool(true),
			Status:   wire.StatusAcceptedUnverified,
		}, nil
	}
	return &wire.HandlerResult{Ok: wire.Bool(false), Status: wire.StatusUnrouted}, nil
}
