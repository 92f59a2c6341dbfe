// Package hub owns the local WebSocket listener: it upgrades connections,
// speaks the frame protocol, and feeds validated send/broadcast frames to the
// dispatcher. One read loop and one write pump per connection; everything
// shared lives behind the registry, dedup and queue locks.
package hub

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/datawire/dlib/dhttp"
	"github.com/datawire/dlib/dlog"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anamnesos/hivemind/pkg/dedup"
	"github.com/anamnesos/hivemind/pkg/dispatch"
	"github.com/anamnesos/hivemind/pkg/queue"
	"github.com/anamnesos/hivemind/pkg/registry"
)

const (
	// DefaultRateLimit caps frames per connection per rolling window.
	DefaultRateLimit  = 50
	DefaultRateWindow = time.Second
)

type Hub struct {
	registry   *registry.Registry
	dedup      *dedup.Cache
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher

	// StaleAfter is the default health-check staleness threshold; a
	// health-check frame may override it per request.
	StaleAfter time.Duration
	RateLimit  int
	RateWindow time.Duration

	upgrader websocket.Upgrader
}

func New(reg *registry.Registry, cache *dedup.Cache, q *queue.Queue, d *dispatch.Dispatcher) *Hub {
	return &Hub{
		registry:   reg,
		dedup:      cache,
		queue:      q,
		dispatcher: d,
		StaleAfter: registry.DefaultStaleAfter,
		RateLimit:  DefaultRateLimit,
		RateWindow: DefaultRateWindow,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The hub binds to loopback and serves local agent panes;
			// browser-style origin checks have nothing to protect here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the hub's HTTP surface: the WebSocket endpoint at /, plus
// /metrics and /healthz for scraping and probes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/", h.upgrade)
	return mux
}

// Serve accepts WebSocket connections on ln until ctx is done. The caller
// owns the listener so that a port-in-use failure surfaces at start rather
// than in a worker.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	dlog.Infof(ctx, "comms hub listening on %s", ln.Addr())
	sc := &dhttp.ServerConfig{Handler: h.Handler()}
	return sc.Serve(ctx, ln)
}

func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		dlog.Warnf(ctx, "websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	h.serveConn(ctx, conn)
}
