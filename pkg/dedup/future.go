package dedup

import (
	"context"
	"sync"

	"github.com/anamnesos/hivemind/pkg/wire"
)

// future is a one-shot settlement slot for an in-flight dispatch. Retries
// that arrive while the original is still in flight park on it instead of
// dispatching again.
type future struct {
	messageID string
	done      chan struct{}
	once      sync.Once
	rec       *wire.AckRecord
	err       error
}

func newFuture(messageID string) *future {
	return &future{messageID: messageID, done: make(chan struct{})}
}

func (f *future) resolve(rec *wire.AckRecord) {
	f.once.Do(func() {
		f.rec = rec
		close(f.done)
	})
}

func (f *future) reject(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *future) wait(ctx context.Context) (*wire.AckRecord, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.rec, f.err
	}
}
