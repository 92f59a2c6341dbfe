package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/hivemind/pkg/dedup"
	"github.com/anamnesos/hivemind/pkg/log"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/wire"
)

type fixture struct {
	ctx context.Context
	reg *registry.Registry
	q   *queue.Queue
	d   *Dispatcher
}

func newFixture(t *testing.T, handler Handler) *fixture {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	reg := registry.New(16)
	d := New(reg, dedup.New(dedup.Options{}), handler)
	q := queue.New(queue.Options{
		Path:    filepath.Join(t.TempDir(), "queue.json"),
		Scope:   "scope-test",
		Deliver: d.DeliverQueued,
	})
	d.BindQueue(q)
	return &fixture{ctx: ctx, reg: reg, q: q, d: d}
}

func (fx *fixture) client(t *testing.T, role string) *registry.Client {
	t.Helper()
	c := fx.reg.Add(fx.ctx)
	fx.reg.Register(fx.ctx, c.ID, role, "")
	return c
}

// recv pops the next queued frame for c, or fails if none is waiting.
func recv(t *testing.T, c *registry.Client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	default:
		t.Fatal("expected a frame, outbound buffer is empty")
		return nil
	}
}

func noFrame(t *testing.T, c *registry.Client) {
	t.Helper()
	select {
	case raw := <-c.Outbound():
		t.Fatalf("unexpected frame: %s", raw)
	default:
	}
}

func sendFrame(id, target, content string) *wire.Frame {
	return &wire.Frame{
		Type:        wire.TypeSend,
		MessageID:   id,
		Target:      target,
		Content:     content,
		AckRequired: true,
	}
}

func TestSendDeliversToLiveTarget(t *testing.T) {
	handlerCalls := 0
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		handlerCalls++
		return nil, nil
	})
	a := fx.client(t, "architect")
	b := fx.client(t, "builder")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m1", "builder", "build x"))
	require.True(t, rec.Ok)
	assert.True(t, rec.Verified)
	assert.Equal(t, 1, rec.WSDeliveryCount)
	assert.Equal(t, wire.StatusDeliveredWebsocket, rec.Status)
	assert.Equal(t, 0, handlerCalls, "live WS delivery must not also invoke the handler")

	msg := recv(t, b)
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "architect", msg["from"])
	assert.Equal(t, "build x", msg["content"])
	assert.NotEmpty(t, msg["traceId"])

	ack := recv(t, a)
	assert.Equal(t, "send-ack", ack["type"])
	assert.Equal(t, "m1", ack["messageId"])
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "delivered.websocket", ack["status"])
	assert.Equal(t, float64(1), ack["wsDeliveryCount"])
}

func TestRetrySameMessageIDDispatchesOnce(t *testing.T) {
	fx := newFixture(t, nil)
	a := fx.client(t, "architect")
	b := fx.client(t, "builder")

	first := fx.d.Dispatch(fx.ctx, a, sendFrame("m1", "builder", "build x"))
	second := fx.d.Dispatch(fx.ctx, a, sendFrame("m1", "builder", "build x"))
	third := fx.d.Dispatch(fx.ctx, a, sendFrame("m1", "builder", "build x"))

	recv(t, b)
	noFrame(t, b)

	assert.Nil(t, first.Dedupe)
	require.NotNil(t, second.Dedupe)
	assert.Equal(t, wire.DedupeCache, second.Dedupe.Mode)
	require.NotNil(t, third.Dedupe)
	assert.Equal(t, wire.DedupeCache, third.Dedupe.Mode)
	for _, rec := range []*wire.AckRecord{first, second, third} {
		assert.True(t, rec.Ok)
		assert.Equal(t, wire.StatusDeliveredWebsocket, rec.Status)
	}
}

func TestFreshIDSamePayloadHitsSignatureTier(t *testing.T) {
	fx := newFixture(t, nil)
	a := fx.client(t, "architect")
	b := fx.client(t, "builder")

	fx.d.Dispatch(fx.ctx, a, sendFrame("m1", "builder", "build x"))
	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m2", "builder", "build x"))

	recv(t, b)
	noFrame(t, b)
	require.NotNil(t, rec.Dedupe)
	assert.Equal(t, wire.DedupeSignatureCache, rec.Dedupe.Mode)
	assert.Equal(t, "m1", rec.Dedupe.SourceMessageID)
}

func TestNoRouteQueuesAndFlushReplays(t *testing.T) {
	fx := newFixture(t, nil)
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m2", "oracle", "read logs"))
	assert.False(t, rec.Ok)
	assert.False(t, rec.Verified)
	assert.True(t, rec.Accepted)
	assert.True(t, rec.Queued)
	assert.Equal(t, wire.StatusAcceptedUnverified, rec.Status)
	require.Equal(t, 1, fx.q.Len())
	entry := fx.q.Snapshot()[0]
	assert.Equal(t, "oracle", entry.Target)
	assert.Equal(t, queue.QueuedByDispatcher, entry.QueuedBy)
	assert.Equal(t, "architect", entry.Meta.FromRole)

	c := fx.client(t, "oracle")
	require.Equal(t, 1, fx.q.FlushForClient(fx.ctx, c, queue.FlushSourceRegister))
	msg := recv(t, c)
	assert.Equal(t, "message", msg["type"])
	assert.Equal(t, "read logs", msg["content"])
	assert.Equal(t, 0, fx.q.Len())
}

func TestBroadcastFansOutAndInvokesHandler(t *testing.T) {
	handlerCalls := 0
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		handlerCalls++
		return nil, nil
	})
	a := fx.client(t, "architect")
	b := fx.client(t, "builder")
	c := fx.client(t, "oracle")

	rec := fx.d.Dispatch(fx.ctx, a, &wire.Frame{
		Type:        wire.TypeBroadcast,
		MessageID:   "b1",
		Content:     "standup",
		AckRequired: true,
	})
	assert.Equal(t, 2, rec.WSDeliveryCount)
	assert.Equal(t, 1, handlerCalls, "broadcasts always reach the handler")
	for _, cl := range []*registry.Client{b, c} {
		msg := recv(t, cl)
		assert.Equal(t, "broadcast", msg["type"])
		assert.Equal(t, "standup", msg["content"])
	}
	noFrame(t, b)

	// Sender gets the ack, not a copy of its own broadcast.
	ack := recv(t, a)
	assert.Equal(t, "send-ack", ack["type"])
	noFrame(t, a)
}

func TestBroadcastWithNoAudienceIsNotQueued(t *testing.T) {
	fx := newFixture(t, nil)
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, &wire.Frame{
		Type:        wire.TypeBroadcast,
		MessageID:   "b2",
		Content:     "anyone there",
		AckRequired: true,
	})
	assert.Equal(t, wire.StatusUnrouted, rec.Status)
	assert.False(t, rec.Accepted)
	assert.Equal(t, 0, fx.q.Len())
}

func TestHandlerVerdictFillsAck(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		return &wire.HandlerResult{Ok: wire.Bool(true)}, nil
	})
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m3", "oracle", "injected via pty"))
	assert.True(t, rec.Ok)
	assert.True(t, rec.Verified)
	assert.Equal(t, 0, rec.WSDeliveryCount)
	assert.Equal(t, wire.StatusDeliveredVerified, rec.Status)
	assert.Equal(t, 0, fx.q.Len(), "verified handler delivery must not queue")
}

func TestHandlerFailureStatusIsNotShadowedByQueueing(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		return &wire.HandlerResult{Ok: wire.Bool(false), Status: wire.StatusBridgeAckTimeout}, nil
	})
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m9", "device:LAPTOP", "remote task"))
	assert.False(t, rec.Accepted)
	assert.Equal(t, wire.StatusBridgeAckTimeout, rec.Status)
	assert.Equal(t, 0, fx.q.Len(), "a definitive handler verdict must not queue")
}

func TestHandlerStatusWins(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		return &wire.HandlerResult{Ok: wire.Bool(true), Status: "delivered.trigger"}, nil
	})
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m4", "oracle", "run trigger"))
	assert.Equal(t, "delivered.trigger", rec.Status)
}

func TestHandlerErrorRejectsAndAllowsRedispatch(t *testing.T) {
	fail := true
	calls := 0
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		calls++
		if fail {
			return nil, errors.New("injection backend down")
		}
		return &wire.HandlerResult{Ok: wire.Bool(true)}, nil
	})
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m5", "oracle", "flaky"))
	assert.False(t, rec.Ok)
	assert.Equal(t, wire.StatusHandlerError, rec.Status)
	assert.Contains(t, rec.Error, "injection backend down")

	// Nothing was cached, so the retry dispatches again and can succeed.
	fail = false
	rec = fx.d.Dispatch(fx.ctx, a, sendFrame("m5", "oracle", "flaky"))
	assert.True(t, rec.Ok)
	assert.Nil(t, rec.Dedupe)
	assert.Equal(t, 2, calls)
}

func TestHandlerPanicBecomesHandlerError(t *testing.T) {
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		panic("boom")
	})
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m6", "oracle", "explode"))
	assert.False(t, rec.Ok)
	assert.Equal(t, wire.StatusHandlerError, rec.Status)
	assert.Contains(t, rec.Error, "boom")
}

func TestSendWithoutTargetIsInvalid(t *testing.T) {
	fx := newFixture(t, nil)
	a := fx.client(t, "architect")

	rec := fx.d.Dispatch(fx.ctx, a, sendFrame("m7", "", "lost"))
	assert.Equal(t, wire.StatusInvalidTarget, rec.Status)
	assert.False(t, rec.Accepted)
	assert.Equal(t, 0, fx.q.Len())
}

func TestConcurrentRetryParksOnPendingDispatch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fx := newFixture(t, func(ctx context.Context, req *Request) (*wire.HandlerResult, error) {
		close(entered)
		<-release
		return &wire.HandlerResult{Ok: wire.Bool(true)}, nil
	})
	a := fx.client(t, "architect")

	var wg sync.WaitGroup
	recs := make([]*wire.AckRecord, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		recs[0] = fx.d.Dispatch(fx.ctx, a, sendFrame("m8", "oracle", "slow"))
	}()
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		recs[1] = fx.d.Dispatch(fx.ctx, a, sendFrame("m8", "oracle", "slow"))
	}()
	close(release)
	wg.Wait()

	var fresh, parked *wire.AckRecord
	for _, r := range recs {
		if r.Dedupe == nil {
			fresh = r
		} else {
			parked = r
		}
	}
	require.NotNil(t, fresh, "exactly one dispatch must run")
	require.NotNil(t, parked, "the retry must be served by the dedup layer")
	assert.True(t, fresh.Ok)
	assert.True(t, parked.Ok)
	assert.Equal(t, wire.DedupeCache, parked.Dedupe.Mode)
}

func BenchmarkDispatchLiveDelivery(b *testing.B) {
	ctx := log.WithDiscardingLogger(context.Background())
	reg := registry.New(16)
	d := New(reg, dedup.New(dedup.Options{}), nil)
	q := queue.New(queue.Options{
		Path:    filepath.Join(b.TempDir(), "queue.json"),
		Scope:   "scope-bench",
		Deliver: d.DeliverQueued,
	})
	d.BindQueue(q)

	src := reg.Add(ctx)
	reg.Register(ctx, src.ID, "architect", "")
	dst := reg.Add(ctx)
	reg.Register(ctx, dst.ID, "builder", "")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Unique id and content so neither dedup tier short-circuits the path.
		content := strconv.Itoa(i)
		rec := d.Dispatch(ctx, src, &wire.Frame{
			Type:        wire.TypeSend,
			MessageID:   "bench-" + content,
			Target:      "builder",
			Content:     content,
			AckRequired: true,
		})
		if !rec.Ok {
			b.Fatalf("dispatch %d failed: %+v", i, rec)
		}
		<-dst.Outbound()
		<-src.Outbound()
	}
}
