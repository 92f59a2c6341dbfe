package comms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/wire"
)

// WorkerCommand is the hidden subcommand the parent spawns the child with.
const WorkerCommand = "comms-worker"

// Frame types spoken on the worker pipe.
const (
	ipcStart         = "start"
	ipcStarted       = "started"
	ipcStop          = "stop"
	ipcStopped       = "stopped"
	ipcHandler       = "message-handler"
	ipcHandlerResult = "message-handler-result"
)

const (
	// HandlerCallbackTimeout bounds how long the child waits for the
	// parent's handler verdict. Hitting it turns the callback into a
	// refusal, never a crash; the send then acks through queueing.
	HandlerCallbackTimeout = 15 * time.Second

	startTimeout = 30 * time.Second
	stopTimeout  = 10 * time.Second

	// A control line can carry a full frame plus JSON escaping overhead.
	maxIPCLine = 4*wire.MaxFrameBytes + 64*1024
)

// ipcFrame is the single shape both directions of the worker pipe speak:
// newline-delimited JSON, one frame per line.
type ipcFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"requestId,omitempty"`
	Config    *config.Config      `json:"config,omitempty"`
	Info      *Info               `json:"info,omitempty"`
	Request   *dispatch.Request   `json:"request,omitempty"`
	Result    *wire.HandlerResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// Worker mirrors Service but hosts the hub core in a child process. The
// external handler stays in the parent; the child calls back over the pipe
// for every invocation.
type Worker struct {
	opts Options

	mu       sync.Mutex
	scope    string
	starting *startOp
	run      *workerRun
}

func NewWorker(opts Options) *Worker {
	return &Worker{opts: opts}
}

// workerRun is one spawned child, torn down as a unit.
type workerRun struct {
	info   *Info
	cancel context.CancelFunc
	cmd    *dexec.Cmd
	stdin  io.WriteCloser

	writeMu sync.Mutex

	stoppedCh chan *ipcFrame
	procDone  chan error
}

func (r *workerRun) write(f *ipcFrame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err = r.stdin.Write(raw)
	return err
}

// Start spawns the child and waits for it to report its listener. Identical
// idempotence contract to Service.Start: a running worker reports its
// existing info, concurrent starts coalesce, and a start after Stop spawns
// a fresh child under the same session scope.
func (w *Worker) Start(ctx context.Context) (*Info, error) {
	w.mu.Lock()
	if r := w.run; r != nil {
		w.mu.Unlock()
		return r.info, nil
	}
	if op := w.starting; op != nil {
		w.mu.Unlock()
		select {
		case <-op.done:
			return op.info, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &startOp{done: make(chan struct{})}
	w.starting = op
	w.mu.Unlock()

	r, err := w.doStart(ctx)

	w.mu.Lock()
	w.starting = nil
	if err == nil {
		w.run = r
		op.info = r.info
	}
	op.err = err
	w.mu.Unlock()
	close(op.done)

	if err != nil {
		return nil, err
	}
	return r.info, nil
}

func (w *Worker) doStart(ctx context.Context) (*workerRun, error) {
	cfg := w.opts.Config
	if cfg == nil {
		cfg = config.GetConfig(ctx)
	}
	shipped := *cfg

	w.mu.Lock()
	if w.scope == "" {
		w.scope = shipped.Comms.SessionScope
		if w.scope == "" {
			w.scope = trace.NewScopeID()
		}
	}
	shipped.Comms.SessionScope = w.scope
	w.mu.Unlock()

	exe, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "locating executable")
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := dexec.CommandContext(cctx, exe, WorkerCommand)
	cmd.DisableLogging = true // stdout is the control pipe, not output
	cmd.Stderr = os.Stderr
	// A Ctrl-C aimed at the parent must not reach the worker; shutdown is
	// driven over the control pipe so that close frames go out first.
	detachProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(err, "spawning comms worker")
	}
	dlog.Infof(ctx, "comms worker running as pid %d", cmd.Process.Pid)

	r := &workerRun{
		cancel:    cancel,
		cmd:       cmd,
		stdin:     stdin,
		stoppedCh: make(chan *ipcFrame, 1),
		procDone:  make(chan error, 1),
	}
	startedCh := make(chan *ipcFrame, 1)
	go w.readLoop(cctx, stdout, startedCh, r)
	go func() { r.procDone <- cmd.Wait() }()

	if err := r.write(&ipcFrame{Type: ipcStart, Config: &shipped}); err != nil {
		w.teardown(r)
		return nil, errors.Wrap(err, "worker start request")
	}

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()
	select {
	case f := <-startedCh:
		if f.Error != "" {
			w.teardown(r)
			return nil, errors.New(f.Error)
		}
		if f.Info == nil {
			w.teardown(r)
			return nil, errors.New("worker started without listener info")
		}
		r.info = f.Info
		return r, nil
	case err := <-r.procDone:
		cancel()
		if err != nil {
			return nil, errors.Wrap(err, "comms worker exited during start")
		}
		return nil, errors.New("comms worker exited during start")
	case <-timer.C:
		w.teardown(r)
		return nil, errors.Errorf("comms worker did not start within %s", startTimeout)
	case <-ctx.Done():
		w.teardown(r)
		return nil, ctx.Err()
	}
}

func (w *Worker) teardown(r *workerRun) {
	_ = r.stdin.Close()
	r.cancel()
	select {
	case <-r.procDone:
	case <-time.After(softShutdownTimeout):
	}
}

func (w *Worker) readLoop(ctx context.Context, stdout io.Reader, startedCh chan *ipcFrame, r *workerRun) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxIPCLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f ipcFrame
		if err := json.Unmarshal(line, &f); err != nil {
			dlog.Warnf(ctx, "unparseable worker frame: %v", err)
			continue
		}
		switch f.Type {
		case ipcStarted:
			select {
			case startedCh <- &f:
			default:
			}
		case ipcStopped:
			select {
			case r.stoppedCh <- &f:
			default:
			}
		case ipcHandler:
			frame := f
			go w.answerHandler(ctx, r, &frame)
		default:
			dlog.Debugf(ctx, "unhandled worker frame type %q", f.Type)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		dlog.Warnf(ctx, "worker pipe: %v", err)
	}
}

// answerHandler runs the parent-side handler for one child callback and
// writes the verdict back. With no handler configured the child gets an
// empty result, which it treats as a refusal.
func (w *Worker) answerHandler(ctx context.Context, r *workerRun, f *ipcFrame) {
	reply := &ipcFrame{Type: ipcHandlerResult, RequestID: f.RequestID}
	if w.opts.Handler != nil && f.Request != nil {
		res, err := invokeSafely(ctx, w.opts.Handler, f.Request)
		reply.Result = res
		if err != nil {
			reply.Error = err.Error()
		}
	}
	if err := r.write(reply); err != nil && ctx.Err() == nil {
		dlog.Warnf(ctx, "handler result %s not sent: %v", f.RequestID, err)
	}
}

func invokeSafely(ctx context.Context, h dispatch.Handler, req *dispatch.Request) (res *wire.HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, derror.PanicToError(r)
		}
	}()
	return h(ctx, req)
}

// Stop asks the child to wind down, closes its stdin so it exits, and reaps
// the process. A child that ignores both gets killed.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	r := w.run
	w.run = nil
	w.mu.Unlock()
	if r == nil {
		return nil
	}

	var result *multierror.Error
	if err := r.write(&ipcFrame{Type: ipcStop}); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop request"))
	} else {
		timer := time.NewTimer(stopTimeout)
		select {
		case f := <-r.stoppedCh:
			if f.Error != "" {
				result = multierror.Append(result, errors.New(f.Error))
			}
		case <-ctx.Done():
			result = multierror.Append(result, ctx.Err())
		case <-timer.C:
			result = multierror.Append(result, errors.Errorf("no stopped reply within %s", stopTimeout))
		}
		timer.Stop()
	}

	_ = r.stdin.Close()
	defer r.cancel()
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case err := <-r.procDone:
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "worker exit"))
		}
		dlog.Debug(ctx, "comms worker exited")
	case <-timer.C:
		r.cancel()
		<-r.procDone
		result = multierror.Append(result, errors.New("comms worker ignored shutdown and was killed"))
	}
	return result.ErrorOrNil()
}

// Scope reports the session scope the worker ships to its child; empty
// before the first start.
func (w *Worker) Scope() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scope
}
