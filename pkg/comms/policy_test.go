package comms

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/hivemind/pkg/bridge"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/roles"
	"github.com/anamnesos/hivemind/pkg/wire"
)

func TestDefaultDevicePolicy(t *testing.T) {
	assert.NoError(t, DefaultDevicePolicy(roles.Architect, "LAPTOP"))
	err := DefaultDevicePolicy(roles.Builder, "LAPTOP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may not address device targets")
	assert.Error(t, DefaultDevicePolicy("", "LAPTOP"))
}

func deviceSend(target string) *dispatch.Request {
	return &dispatch.Request{
		ClientID: "conn-1",
		Role:     "architect",
		Message: &wire.Frame{
			Type:      wire.TypeSend,
			MessageID: "m1",
			Target:    target,
			Content:   "remote task",
		},
	}
}

func TestBridgeRoutingHandlerFallsThrough(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)

	nextCalled := 0
	next := func(ctx context.Context, req *dispatch.Request) (*wire.HandlerResult, error) {
		nextCalled++
		return &wire.HandlerResult{Ok: wire.Bool(true), Status: wire.StatusDeliveredVerified}, nil
	}
	h := BridgeRoutingHandler(nil, nil, next)

	// Local targets never touch the bridge path.
	res, err := h(ctx, deviceSend("oracle"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, wire.StatusDeliveredVerified, res.Status)
	assert.Equal(t, 1, nextCalled)

	// Broadcasts stay local even with a device-shaped target.
	req := deviceSend("device:LAPTOP")
	req.Message.Type = wire.TypeBroadcast
	_, err = h(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, nextCalled)

	// Without a next handler the routing handler stays silent.
	h = BridgeRoutingHandler(nil, nil, nil)
	res, err = h(ctx, deviceSend("oracle"))
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestBridgeRoutingHandlerPolicyReject(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	next := func(ctx context.Context, req *dispatch.Request) (*wire.HandlerResult, error) {
		t.Fatal("rejected sends must not fall through")
		return nil, nil
	}
	h := BridgeRoutingHandler(nil, nil, next)

	req := deviceSend("device:LAPTOP")
	req.Role = "builder"
	res, err := h(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, wire.Bool(false), res.Ok)
	assert.Equal(t, wire.StatusInvalidTarget, res.Status)
}

func TestBridgeRoutingHandlerNoBridge(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	h := BridgeRoutingHandler(nil, nil, nil)

	res, err := h(ctx, deviceSend("device:LAPTOP"))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, wire.Bool(false), res.Ok)
	assert.Equal(t, wire.StatusBridgeUnavailable, res.Status)
}

func TestDeliverInboundFanOut(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	reg := registry.New(4)
	c := reg.Add(ctx)
	reg.Register(ctx, c.ID, "architect", "")

	res, err := deliverInbound(ctx, reg, nil, &bridge.InboundDelivery{
		MessageID:  "x1",
		FromDevice: "LAPTOP",
		FromRole:   "architect",
		TargetRole: "architect",
		Content:    "status?",
		Metadata:   map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, wire.Bool(true), res.Ok)
	assert.Equal(t, wire.StatusBridgeDelivered, res.Status)

	raw := <-c.Outbound()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "message", m["type"])
	assert.Equal(t, "x1", m["messageId"])
	assert.Equal(t, "status?", m["content"])
	meta, ok := m["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "LAPTOP", meta["fromDevice"])
	assert.Equal(t, "v", meta["k"])
}

func TestDeliverInboundQueuesWithoutListener(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	reg := registry.New(4)
	q := queue.New(queue.Options{
		Path:  filepath.Join(t.TempDir(), "comms-outbound-queue.json"),
		Scope: "scope-test",
	})

	// An empty target role lands on the architect pane.
	res, err := deliverInbound(ctx, reg, q, &bridge.InboundDelivery{
		MessageID:  "x2",
		FromDevice: "LAPTOP",
		FromRole:   "architect",
		Content:    "catch up later",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, wire.Bool(false), res.Ok)
	assert.Equal(t, wire.Bool(true), res.Accepted)
	assert.Equal(t, wire.Bool(true), res.Queued)
	assert.Equal(t, wire.StatusAcceptedUnverified, res.Status)
	require.Equal(t, 1, q.Len())

	// Without a queue the delivery is simply unrouted.
	res, err = deliverInbound(ctx, reg, nil, &bridge.InboundDelivery{
		MessageID: "x3",
		Content:   "nowhere to go",
	})
	require.NoError(t, err)
	assert.Equal(t, wire.StatusUnrouted, res.Status)
}
