package comms

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/wire"
)

// pipeParent speaks the parent's side of the worker pipe without a process
// boundary: RunWorker runs in a goroutine against in-memory pipes.
type pipeParent struct {
	t *testing.T

	mu  sync.Mutex
	enc *json.Encoder

	frames    chan ipcFrame
	onHandler func(f ipcFrame)
	exit      chan error
	close     func()
}

func startChild(t *testing.T, onHandler func(p *pipeParent, f ipcFrame)) *pipeParent {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)

	childR, parentW := io.Pipe() // parent -> child
	parentR, childW := io.Pipe() // child -> parent

	p := &pipeParent{
		t:      t,
		enc:    json.NewEncoder(parentW),
		frames: make(chan ipcFrame, 16),
		exit:   make(chan error, 1),
		close:  func() { _ = parentW.Close(); _ = parentR.Close() },
	}
	if onHandler != nil {
		p.onHandler = func(f ipcFrame) { onHandler(p, f) }
	}
	t.Cleanup(p.close)

	go func() { p.exit <- RunWorker(ctx, childR, childW) }()
	go func() {
		dec := json.NewDecoder(parentR)
		for {
			var f ipcFrame
			if err := dec.Decode(&f); err != nil {
				close(p.frames)
				return
			}
			if f.Type == ipcHandler && p.onHandler != nil {
				go p.onHandler(f)
				continue
			}
			p.frames <- f
		}
	}()
	return p
}

func (p *pipeParent) write(f *ipcFrame) {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, p.enc.Encode(f))
}

func (p *pipeParent) expect(typ string) ipcFrame {
	p.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-p.frames:
			require.True(p.t, ok, "pipe closed waiting for %q", typ)
			if f.Type == typ {
				return f
			}
		case <-deadline:
			p.t.Fatalf("no %q frame within deadline", typ)
		}
	}
}

func TestRunWorkerLifecycle(t *testing.T) {
	p := startChild(t, func(p *pipeParent, f ipcFrame) {
		require.NotNil(t, f.Request)
		require.NotNil(t, f.Request.Message)
		assert.Equal(t, "m-w1", f.Request.Message.MessageID)
		assert.Equal(t, "architect", f.Request.Role)
		p.write(&ipcFrame{
			Type:      ipcHandlerResult,
			RequestID: f.RequestID,
			Result: &wire.HandlerResult{
				Ok:       wire.Bool(true),
				Verified: wire.Bool(true),
				Status:   wire.StatusDeliveredVerified,
			},
		})
	})

	cfg := testConfig(t)
	cfg.Comms.SessionScope = "scope-w"
	p.write(&ipcFrame{Type: ipcStart, Config: cfg})
	started := p.expect(ipcStarted)
	require.Empty(t, started.Error)
	require.NotNil(t, started.Info)
	require.NotZero(t, started.Info.Port)
	assert.Equal(t, "scope-w", started.Info.Scope)

	// A second start is answered with the same listener.
	p.write(&ipcFrame{Type: ipcStart, Config: cfg})
	again := p.expect(ipcStarted)
	require.NotNil(t, again.Info)
	assert.Equal(t, started.Info.Port, again.Info.Port)

	// A send with no local route crosses the pipe and the parent's verdict
	// comes back in the ack.
	a := connectRole(t, started.Info, "architect")
	writeFrame(t, a, map[string]any{
		"type": "send", "target": "oracle", "content": "remote check",
		"messageId": "m-w1", "ackRequired": true,
	})
	ack := readFrame(t, a)
	require.Equal(t, "send-ack", ack["type"])
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "delivered.verified", ack["status"])

	p.write(&ipcFrame{Type: ipcStop})
	stopped := p.expect(ipcStopped)
	assert.Empty(t, stopped.Error)
	err := readUntilClose(t, a)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "want normal closure, got %v", err)

	// EOF on stdin ends the worker.
	p.close()
	select {
	case err := <-p.exit:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit on EOF")
	}
}

func TestRunWorkerStartFailure(t *testing.T) {
	p := startChild(t, nil)

	cfg := testConfig(t)
	cfg.Comms.Port = reservePort(t)
	p.write(&ipcFrame{Type: ipcStart, Config: cfg})
	started := p.expect(ipcStarted)
	assert.Contains(t, started.Error, "comms listener on port")
	assert.Nil(t, started.Info)

	p.close()
	select {
	case <-p.exit:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit on EOF")
	}
}

func TestWorkerChildCallbackTimeout(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	w := &workerChild{
		out:       io.Discard,
		cbTimeout: 50 * time.Millisecond,
		pending:   make(map[string]chan *ipcFrame),
	}

	start := time.Now()
	res, err := w.callback(ctx, &dispatch.Request{
		Role:    "architect",
		Message: &wire.Frame{Type: wire.TypeSend, MessageID: "m-t"},
	})
	require.NoError(t, err)
	assert.Nil(t, res, "a silent parent is a refusal, not an error")
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	w.mu.Lock()
	assert.Empty(t, w.pending)
	w.mu.Unlock()
}

func TestWorkerChildCallbackVerdict(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	w := &workerChild{
		out:       io.Discard,
		cbTimeout: 5 * time.Second,
		pending:   make(map[string]chan *ipcFrame),
	}
	req := &dispatch.Request{
		Role:    "architect",
		Message: &wire.Frame{Type: wire.TypeSend, MessageID: "m-v"},
	}

	type verdict struct {
		res *wire.HandlerResult
		err error
	}
	done := make(chan verdict, 1)
	go func() {
		res, err := w.callback(ctx, req)
		done <- verdict{res, err}
	}()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.handle(ctx, &ipcFrame{
		Type:      ipcHandlerResult,
		RequestID: "cb-1",
		Result:    &wire.HandlerResult{Ok: wire.Bool(true), Status: wire.StatusBridgeDelivered},
	})
	v := <-done
	require.NoError(t, v.err)
	require.NotNil(t, v.res)
	assert.Equal(t, wire.StatusBridgeDelivered, v.res.Status)

	// A verdict carrying an error surfaces as a handler error.
	go func() {
		res, err := w.callback(ctx, req)
		done <- verdict{res, err}
	}()
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.pending) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.handle(ctx, &ipcFrame{Type: ipcHandlerResult, RequestID: "cb-2", Error: "boom"})
	v = <-done
	require.Error(t, v.err)
	assert.Equal(t, "boom", v.err.Error())
	assert.Nil(t, v.res)
}

// reservePort grabs a listener and keeps it open for the duration of the
// test so the port is genuinely taken.
func reservePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}
