// Package limiter provides the per-connection frame-rate limiter. It is a
// true sliding window, not a token bucket: at most limit events are admitted
// in any rolling window, regardless of where the window boundary falls.
package limiter

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit events per rolling window. The zero
// value is unusable; use NewSlidingWindow.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	stamps []time.Time
	head   int
	n      int
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit < 1 {
		limit = 1
	}
	return &SlidingWindow{
		window: window,
		limit:  limit,
		stamps: make([]time.Time, limit),
	}
}

// Allow records an event at the given instant and reports whether it fits in
// the window. Denied events are not recorded; a client that keeps hammering
// does not push its own window forward.
func (l *SlidingWindow) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.n > 0 && now.Sub(l.stamps[l.head]) >= l.window {
		l.head = (l.head + 1) % l.limit
		l.n--
	}
	if l.n == l.limit {
		return false
	}
	l.stamps[(l.head+l.n)%l.limit] = now
	l.n++
	return true
}

// Len returns the number of events currently inside the window as of the
// given instant.
func (l *SlidingWindow) Len(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, head := l.n, l.head
	for n > 0 && now.Sub(l.stamps[head]) >= l.window {
		head = (head + 1) % l.limit
		n--
	}
	return n
}

// Reset forgets all recorded events.
func (l *SlidingWindow) Reset() {
	l.mu.Lock()
	l.n = 0
	l.head = 0
	l.mu.Unlock()
}
