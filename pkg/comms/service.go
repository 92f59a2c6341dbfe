// Package comms assembles the coordinator: registry, dedup cache, outbound
// queue, dispatcher, hub and the optional bridge, supervised as one
// lifecycle. The Service runs everything in this process; the Worker runs
// the same thing in a child process and forwards handler callbacks here.
package comms

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/anamnesos/hivemind/pkg/bridge"
	"github.com/anamnesos/hivemind/pkg/config"
	"github.com/anamnesos/hivemind/pkg/dedup"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/filelocation"
	"github.com/anamnesos/hivemind/pkg/hub"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/wire"
)

const (
	softShutdownTimeout = 2 * time.Second
	statsInterval       = 15 * time.Second
)

// Runner is the lifecycle the CLI drives. Both the in-process Service and
// the worker-process front-end satisfy it.
type Runner interface {
	Start(ctx context.Context) (*Info, error)
	Stop(ctx context.Context) error
}

// Options configures a Service or Worker. A nil Config falls back to
// whatever config.GetConfig finds on the start context.
type Options struct {
	Config *config.Config

	// Handler receives frames that need delivery outside the WebSocket
	// plane. nil means no such transport exists; undeliverable sends are
	// queued.
	Handler dispatch.Handler

	// Policy admits cross-device sends. nil means DefaultDevicePolicy.
	Policy DevicePolicy
}

// Info is what a successful start reports.
type Info struct {
	Addr  string `json:"addr"`
	Port  int    `json:"port"`
	Scope string `json:"scope"`
}

// NewRunner returns a Worker unless the config forces in-process mode.
func NewRunner(ctx context.Context, opts Options) Runner {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.GetConfig(ctx)
	}
	if cfg.Comms.InProcess {
		return NewService(opts)
	}
	return NewWorker(opts)
}

// startOp is one in-flight start attempt. Concurrent Start calls coalesce
// on it instead of racing a second listener into existence.
type startOp struct {
	done chan struct{}
	info *Info
	err  error
}

// running is the live state of a started Service, torn down as a unit.
type running struct {
	info       *Info
	quit       context.CancelFunc
	hardCancel context.CancelFunc
	done       chan error

	registry *registry.Registry
	dedup    *dedup.Cache
	queue    *queue.Queue
	bridge   *bridge.Client
	ln       net.Listener
}

// Service owns the hub core in this process. The zero value is not usable;
// construct with NewService.
type Service struct {
	opts   Options
	policy DevicePolicy

	mu       sync.Mutex
	scope    string
	starting *startOp
	run      *running
}

func NewService(opts Options) *Service {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultDevicePolicy
	}
	return &Service{opts: opts, policy: policy}
}

// Scope returns the session scope the service stamps on queued entries. It
// is minted on first start and stable across restarts of this Service.
func (s *Service) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Start brings the service up and reports where it listens. Calling it on a
// running service returns the existing listener info; concurrent calls
// coalesce on a single attempt. A start after a Stop reloads the queue from
// disk under the same session scope.
func (s *Service) Start(ctx context.Context) (*Info, error) {
	s.mu.Lock()
	if r := s.run; r != nil {
		s.mu.Unlock()
		return r.info, nil
	}
	if op := s.starting; op != nil {
		s.mu.Unlock()
		select {
		case <-op.done:
			return op.info, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := &startOp{done: make(chan struct{})}
	s.starting = op
	s.mu.Unlock()

	r, err := s.doStart(ctx)

	s.mu.Lock()
	s.starting = nil
	if err == nil {
		s.run = r
		op.info = r.info
	}
	op.err = err
	s.mu.Unlock()
	close(op.done)

	if err != nil {
		return nil, err
	}
	return r.info, nil
}

func (s *Service) doStart(ctx context.Context) (*running, error) {
	cfg := s.opts.Config
	if cfg == nil {
		cfg = config.GetConfig(ctx)
	}

	s.mu.Lock()
	if s.scope == "" {
		s.scope = cfg.Comms.SessionScope
		if s.scope == "" {
			s.scope = trace.NewScopeID()
		}
	}
	scope := s.scope
	s.mu.Unlock()

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Comms.Port))
	if err != nil {
		return nil, errors.Wrapf(err, "comms listener on port %d", cfg.Comms.Port)
	}

	reg := registry.New(0)
	cache := dedup.New(dedup.Options{
		IDTTL:        cfg.Dedup.TTL(),
		SignatureTTL: cfg.Dedup.SignatureTTL(),
	})

	// q is assigned below; the bridge only calls inbound once its worker
	// runs, well after the queue exists.
	var q *queue.Queue
	var br *bridge.Client
	handler := s.opts.Handler
	if cfg.Bridge.URL != "" {
		br = bridge.New(bridge.Config{
			URL:           cfg.Bridge.URL,
			DeviceID:      bridge.SanitizeDeviceID(cfg.Bridge.DeviceID),
			SharedSecret:  cfg.Bridge.Secret,
			ReconnectBase: cfg.Bridge.ReconnectBase(),
			ReconnectMax:  cfg.Bridge.ReconnectMax(),
			AckTimeout:    cfg.Bridge.AckTimeout(),
			Inbound: func(ctx context.Context, d *bridge.InboundDelivery) (*wire.HandlerResult, error) {
				return deliverInbound(ctx, reg, q, d)
			},
		})
		handler = BridgeRoutingHandler(br, s.policy, handler)
	}

	disp := dispatch.New(reg, cache, handler)

	qPath := cfg.Queue.Path
	if qPath == "" {
		if dir, derr := filelocation.AppUserConfigDir(ctx); derr == nil {
			qPath = filepath.Join(dir, "state", config.QueueFileName)
		}
	}
	q = queue.New(queue.Options{
		Path:       qPath,
		Scope:      scope,
		MaxEntries: cfg.Queue.MaxEntries,
		MaxAge:     cfg.Queue.MaxAge(),
		Deliver:    disp.DeliverQueued,
	})
	disp.BindQueue(q)
	if err := q.Load(ctx); err != nil {
		// Durability degrades, delivery does not.
		dlog.Errorf(ctx, "!! QUEUE %v", err)
	}

	h := hub.New(reg, cache, q, disp)

	gctx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	g := dgroup.NewGroup(gctx, dgroup.GroupConfig{
		SoftShutdownTimeout: softShutdownTimeout,
		ShutdownOnNonError:  true,
	})
	// Cancelling the group's parent context is a hard shutdown, which would
	// cut sockets off mid close-frame. Stop instead cancels quitCtx, the
	// watcher returns, and ShutdownOnNonError winds the group down softly.
	quitCtx, quit := context.WithCancel(gctx)
	g.Go("quit-watch", func(c context.Context) error {
		select {
		case <-c.Done():
		case <-quitCtx.Done():
		}
		return nil
	})
	g.Go("server-ws", func(c context.Context) error { return h.Serve(c, ln) })
	g.Go("queue-flush", func(c context.Context) error { return flushLoop(c, q, cfg.Queue.FlushInterval()) })
	g.Go("dedup-prune", func(c context.Context) error { return pruneLoop(c, cache) })
	if br != nil {
		g.Go("bridge", br.Run)
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	info := &Info{Addr: ln.Addr().String(), Scope: scope}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		info.Port = tcp.Port
	}
	dlog.Infof(ctx, "comms service up on %s (scope %s)", info.Addr, scope)
	return &running{
		info:       info,
		quit:       quit,
		hardCancel: hardCancel,
		done:       done,
		registry:   reg,
		dedup:      cache,
		queue:      q,
		bridge:     br,
		ln:         ln,
	}, nil
}

// Stop tears the service down: pending dispatches and bridge sends are
// rejected, every client gets a normal closure, and the call returns once
// the listener is closed and the workers have drained.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()
	if r == nil {
		return nil
	}

	r.dedup.RejectAll(errors.New("comms service stopping"))
	if r.bridge != nil {
		r.bridge.Stop(ctx)
	}
	r.registry.CloseAll(ctx)
	r.quit()
	defer r.hardCancel()

	var result *multierror.Error
	select {
	case err := <-r.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			result = multierror.Append(result, err)
		}
	case <-ctx.Done():
		r.hardCancel()
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "waiting for workers"))
	}
	if err := r.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	dlog.Info(ctx, "comms service stopped")
	return result.ErrorOrNil()
}

// Registry exposes the live client table, mainly to tests and the CLI.
func (s *Service) Registry() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.registry
}

// Queue exposes the live outbound queue, mainly to tests.
func (s *Service) Queue() *queue.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.queue
}

// Bridge exposes the bridge client, nil when no relay is configured.
func (s *Service) Bridge() *bridge.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.bridge
}

func flushLoop(ctx context.Context, q *queue.Queue, interval time.Duration) error {
	if interval <= 0 {
		interval = queue.DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := q.FlushAll(ctx, queue.FlushSourceTimer); n > 0 {
				dlog.Infof(ctx, "QUEUE timer flush replayed %d entry(s)", n)
			}
		}
	}
}

// pruneLoop keeps the dedup gauges honest. The caches expire entries on
// their own; this is bookkeeping, not collection.
func pruneLoop(ctx context.Context, cache *dedup.Cache) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cache.ReportStats()
		}
	}
}
