package comms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/log"
	"github.com/anamnesos/hivemind/pkg/wire"
)

// RunWorker is the body of the comms-worker subcommand. The hub core runs
// in this process; every handler invocation is forwarded to the parent on
// stdout and its verdict read back from stdin. The worker serves until
// stdin closes, which is also how it survives a parent crash: the pipe
// breaks and the worker winds down instead of lingering.
func RunWorker(ctx context.Context, in io.Reader, out io.Writer) error {
	w := &workerChild{
		out:       out,
		cbTimeout: HandlerCallbackTimeout,
		pending:   make(map[string]chan *ipcFrame),
	}
	defer func() {
		if svc := w.service(); svc != nil {
			_ = svc.Stop(ctx)
		}
	}()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxIPCLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f ipcFrame
		if err := json.Unmarshal(line, &f); err != nil {
			dlog.Warnf(ctx, "unparseable control frame: %v", err)
			continue
		}
		w.handle(ctx, &f)
	}
	err := sc.Err()
	if err != nil {
		dlog.Warnf(ctx, "control pipe: %v", err)
	}
	dlog.Info(ctx, "control pipe closed, worker exiting")
	return err
}

// workerChild drives one Service on behalf of a remote parent.
type workerChild struct {
	out       io.Writer
	cbTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	svc     *Service
	seq     int
	pending map[string]chan *ipcFrame
}

func (w *workerChild) service() *Service {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.svc
}

func (w *workerChild) handle(ctx context.Context, f *ipcFrame) {
	switch f.Type {
	case ipcStart:
		reply := &ipcFrame{Type: ipcStarted}
		info, err := w.start(ctx, f.Config)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Info = info
		}
		w.send(ctx, reply)
	case ipcStop:
		reply := &ipcFrame{Type: ipcStopped}
		if err := w.stop(ctx); err != nil {
			reply.Error = err.Error()
		}
		w.send(ctx, reply)
	case ipcHandlerResult:
		w.mu.Lock()
		ch := w.pending[f.RequestID]
		delete(w.pending, f.RequestID)
		w.mu.Unlock()
		if ch != nil {
			ch <- f
		} else {
			dlog.Debugf(ctx, "verdict for unknown callback %q dropped", f.RequestID)
		}
	default:
		dlog.Debugf(ctx, "unhandled control frame type %q", f.Type)
	}
}

func (w *workerChild) start(ctx context.Context, cfg *config.Config) (*Info, error) {
	if cfg != nil && cfg.LogLevel != "" {
		// The parent resolved the config; its log level applies here too.
		log.SetLevel(ctx, cfg.LogLevel)
	}
	w.mu.Lock()
	svc := w.svc
	if svc == nil {
		svc = NewService(Options{Config: cfg, Handler: w.callback})
		w.svc = svc
	}
	w.mu.Unlock()
	return svc.Start(ctx)
}

func (w *workerChild) stop(ctx context.Context) error {
	svc := w.service()
	if svc == nil {
		return nil
	}
	return svc.Stop(ctx)
}

// callback forwards one handler invocation to the parent and waits for the
// verdict. Anything that keeps the verdict from arriving, a dead pipe, a
// stopping service, or a parent that sits on the request past the timeout,
// is reported as a refusal so the dispatcher falls back to queueing.
func (w *workerChild) callback(ctx context.Context, req *dispatch.Request) (*wire.HandlerResult, error) {
	w.mu.Lock()
	w.seq++
	id := fmt.Sprintf("cb-%d", w.seq)
	ch := make(chan *ipcFrame, 1)
	w.pending[id] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
	}()

	if err := w.send(ctx, &ipcFrame{Type: ipcHandler, RequestID: id, Request: req}); err != nil {
		dlog.Warnf(ctx, "handler callback %s not sent: %v", id, err)
		return nil, nil
	}

	timer := time.NewTimer(w.cbTimeout)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Error != "" {
			return nil, errors.New(f.Error)
		}
		return f.Result, nil
	case <-timer.C:
		dlog.Warnf(ctx, "handler callback %s got no verdict within %s, treating as refusal", id, w.cbTimeout)
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (w *workerChild) send(ctx context.Context, f *ipcFrame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.out.Write(raw); err != nil {
		if ctx.Err() == nil {
			dlog.Warnf(ctx, "control pipe write: %v", err)
		}
		return err
	}
	return nil
}
