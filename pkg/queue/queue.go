// Package queue holds targeted messages that could not be delivered to any
// live connection, durably enough to survive a daemon restart. It is the
// only writer of the queue file. Broadcasts never land here.
package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/pkg/errors"

	"github.com/anamnesos/hivemind/pkg/registry"
	"github.com/anamnesos/hivemind/pkg/trace"
	"github.com/anamnesos/hivemind/pkg/wire"
)

const (
	DefaultMaxEntries    = 500
	DefaultMaxAge        = 30 * time.Minute
	DefaultFlushInterval = 30 * time.Second

	fileVersion = 2
)

// Who queued an entry.
const (
	QueuedByDispatcher = "dispatcher"
	QueuedByBridge     = "bridge"
)

// Flush sources, for logs and metrics.
const (
	FlushSourceRegister = "register"
	FlushSourceTimer    = "timer"
	FlushSourceManual   = "manual"
)

// Meta is the slice of the original send that a replay needs.
type Meta struct {
	Priority string         `json:"priority,omitempty"`
	FromRole string         `json:"fromRole,omitempty"`
	FromPane string         `json:"fromPane,omitempty"`
	Trace    *trace.Context `json:"traceContext,omitempty"`
}

// Entry is one undelivered message. LastAttemptAt is a pointer so that a
// never-attempted entry serializes as null, matching the on-disk format.
type Entry struct {
	ID             string `json:"id"`
	Target         string `json:"target"`
	Content        string `json:"content"`
	Meta           Meta   `json:"meta"`
	CreatedAt      int64  `json:"createdAt"`
	Attempts       int    `json:"attempts"`
	LastAttemptAt  *int64 `json:"lastAttemptAt"`
	SessionScopeID string `json:"sessionScopeId"`
	QueuedBy       string `json:"queuedBy"`
}

type queueFile struct {
	Version        int      `json:"version"`
	SessionScopeID string   `json:"sessionScopeId"`
	Entries        []*Entry `json:"entries"`
}

// FlushOutcome is the verdict of one replay attempt.
type FlushOutcome int

const (
	// FlushSkipped means no candidate connection existed; the entry is
	// left untouched for a later flush.
	FlushSkipped FlushOutcome = iota
	FlushDelivered
	FlushFailed
)

// DeliverFunc replays one entry. When only is non-nil the entry must go to
// that client or nobody; otherwise any client matching the entry's target
// will do.
type DeliverFunc func(ctx context.Context, e *Entry, only *registry.Client) FlushOutcome

type Options struct {
	Path       string
	Scope      string
	MaxEntries int
	MaxAge     time.Duration
	Deliver    DeliverFunc
}

// Queue is the durable store. Entry mutations and file writes serialize
// behind mu; flushes serialize behind flushMu so a timer flush can never
// race a registration flush.
type Queue struct {
	path       string
	scope      string
	maxEntries int
	maxAge     time.Duration
	deliver    DeliverFunc

	mu              sync.Mutex
	entries         []*Entry
	persistDisabled bool

	flushMu sync.Mutex
}

func New(opts Options) *Queue {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	return &Queue{
		path:       opts.Path,
		scope:      opts.Scope,
		maxEntries: opts.MaxEntries,
		maxAge:     opts.MaxAge,
		deliver:    opts.Deliver,
	}
}

// Load reads the queue file. A legacy bare-array file is discarded wholesale.
// Entries from another session scope are discarded and the file rewritten so
// that a restarted coordinator never replays a previous session's traffic.
func (q *Queue) Load(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "read queue file")
	}

	var f queueFile
	if err := json.Unmarshal(raw, &f); err != nil || f.Version != fileVersion {
		var legacy []*Entry
		if json.Unmarshal(raw, &legacy) == nil {
			dlog.Infof(ctx, "QUEUE discarding legacy queue file with %d entries", len(legacy))
		} else {
			dlog.Errorf(ctx, "!! QUEUE unreadable queue file %s, starting empty", q.path)
		}
		q.entries = nil
		q.persistLocked(ctx)
		return nil
	}

	now := dtime.Now()
	kept := make([]*Entry, 0, len(f.Entries))
	dropped := 0
	for _, e := range f.Entries {
		if e.SessionScopeID != q.scope {
			dropped++
			continue
		}
		if q.stale(e, now) {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if dropped > 0 || f.SessionScopeID != q.scope {
		dlog.Infof(ctx, "QUEUE loaded %d entries, discarded %d (foreign scope or stale)", len(kept), dropped)
		q.persistLocked(ctx)
	} else {
		dlog.Debugf(ctx, "QUEUE loaded %d entries", len(kept))
	}
	depthGauge.Set(float64(len(q.entries)))
	return nil
}

// Enqueue appends an undeliverable message, pruning by age and evicting the
// oldest entry when at capacity, then persists.
func (q *Queue) Enqueue(ctx context.Context, target, content string, meta Meta, queuedBy string) *Entry {
	now := dtime.Now()
	e := &Entry{
		ID:             trace.NewQueueID(),
		Target:         target,
		Content:        content,
		Meta:           meta,
		CreatedAt:      wire.Millis(now),
		SessionScopeID: q.scope,
		QueuedBy:       queuedBy,
	}

	q.mu.Lock()
	q.pruneLocked(now)
	if len(q.entries) >= q.maxEntries {
		evicted := q.entries[0]
		q.entries = q.entries[1:]
		dlog.Debugf(ctx, "QUEUE at capacity, evicting oldest %s", evicted.ID)
	}
	q.entries = append(q.entries, e)
	q.persistLocked(ctx)
	n := len(q.entries)
	q.mu.Unlock()

	depthGauge.Set(float64(n))
	dlog.Debugf(ctx, "++ QUEUE %s target=%q (depth now is %d)", e.ID, target, n)
	return e
}

// FlushForClient replays entries matching a newly registered client. It
// holds the flush lock, so it cannot run concurrently with a timer flush;
// registration flushes wait rather than skip, because the client is right
// there listening.
func (q *Queue) FlushForClient(ctx context.Context, c *registry.Client, source string) int {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.flush(ctx, c, source)
}

// FlushAll retries every entry whose target has become reachable. Timer
// driven; if another flush is already in flight this one is skipped, the
// next tick will catch up.
func (q *Queue) FlushAll(ctx context.Context, source string) int {
	if !q.flushMu.TryLock() {
		dlog.Debugf(ctx, "QUEUE flush (%s) skipped, another flush in flight", source)
		return 0
	}
	defer q.flushMu.Unlock()
	return q.flush(ctx, nil, source)
}

func (q *Queue) flush(ctx context.Context, only *registry.Client, source string) int {
	now := dtime.Now()

	q.mu.Lock()
	snapshot := make([]*Entry, len(q.entries))
	copy(snapshot, q.entries)
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return 0
	}

	remove := map[string]bool{}
	failed := map[string]bool{}
	delivered := 0
	for _, e := range snapshot {
		if q.stale(e, now) {
			remove[e.ID] = true
			continue
		}
		switch q.deliver(ctx, e, only) {
		case FlushDelivered:
			remove[e.ID] = true
			delivered++
		case FlushFailed:
			failed[e.ID] = true
		case FlushSkipped:
		}
	}

	if len(remove) > 0 || len(failed) > 0 {
		ts := wire.Millis(now)
		q.mu.Lock()
		kept := q.entries[:0]
		for _, e := range q.entries {
			if remove[e.ID] {
				continue
			}
			if failed[e.ID] {
				e.Attempts++
				e.LastAttemptAt = &ts
			}
			kept = append(kept, e)
		}
		q.entries = kept
		q.persistLocked(ctx)
		n := len(q.entries)
		q.mu.Unlock()
		depthGauge.Set(float64(n))
	}

	if delivered > 0 {
		flushedCounter.WithLabelValues(source).Add(float64(delivered))
		dlog.Debugf(ctx, "-- QUEUE flushed %d entries (%s)", delivered, source)
	}
	return delivered
}

// Len returns the live depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the entries, FIFO order. Test use.
func (q *Queue) Snapshot() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *Queue) stale(e *Entry, now time.Time) bool {
	return now.Sub(time.UnixMilli(e.CreatedAt)) > q.maxAge
}

// pruneLocked drops aged-out entries. Caller holds mu.
func (q *Queue) pruneLocked(now time.Time) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !q.stale(e, now) {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// persistLocked rewrites the queue file atomically. Caller holds mu. A
// write failure logs once and degrades the queue to memory-only; delivery
// keeps working, durability is lost.
func (q *Queue) persistLocked(ctx context.Context) {
	if q.persistDisabled || q.path == "" {
		return
	}
	if err := q.writeFile(); err != nil {
		dlog.Errorf(ctx, "!! QUEUE persist %s: %v, continuing memory-only", q.path, err)
		q.persistDisabled = true
	}
}

func (q *Queue) writeFile() error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries := q.entries
	if entries == nil {
		entries = []*Entry{}
	}
	raw, err := json.MarshalIndent(queueFile{
		Version:        fileVersion,
		SessionScopeID: q.scope,
		Entries:        entries,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".comms-outbound-queue-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err = os.Rename(tmpName, q.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
