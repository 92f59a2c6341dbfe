// Package dedup keeps every delivery outcome long enough to answer retries
// without delivering twice. It holds two tiers: acks keyed by messageId for
// honest retries, and acks keyed by payload signature for clients that mint
// a fresh id for an unchanged payload.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/anamnesos/hivemind/pkg/wire"
)

const (
	DefaultIDTTL        = 60 * time.Second
	DefaultSignatureTTL = 15 * time.Second
	DefaultMaxEntries   = 2048
)

type Options struct {
	IDTTL        time.Duration
	SignatureTTL time.Duration
	MaxEntries   int
}

func (o *Options) withDefaults() {
	if o.IDTTL <= 0 {
		o.IDTTL = DefaultIDTTL
	}
	if o.SignatureTTL <= 0 {
		o.SignatureTTL = DefaultSignatureTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
}

// sigEntry is what the signature tier stores: the record plus the messageId
// of the delivery that produced it, so that rebuilt acks can point at their
// source.
type sigEntry struct {
	messageID string
	rec       *wire.AckRecord
}

// Cache is the two-tier ack store plus the pending-future maps. The caches
// expire on their TTLs; the pending maps are bounded by the number of
// in-flight unique messageIds.
type Cache struct {
	byID        *expirable.LRU[string, *wire.AckRecord]
	bySignature *expirable.LRU[string, sigEntry]

	mu           sync.Mutex
	pendingByID  map[string]*future
	pendingBySig map[string]*future
}

func New(opts Options) *Cache {
	opts.withDefaults()
	return &Cache{
		byID:         expirable.NewLRU[string, *wire.AckRecord](opts.MaxEntries, nil, opts.IDTTL),
		bySignature:  expirable.NewLRU[string, sigEntry](opts.MaxEntries, nil, opts.SignatureTTL),
		pendingByID:  make(map[string]*future),
		pendingBySig: make(map[string]*future),
	}
}

// Settlement is handed out on a cache miss. The caller dispatches the frame
// and must call exactly one of Resolve or Reject so that parked retries are
// never orphaned.
type Settlement struct {
	c          *Cache
	f          *future
	messageID  string
	signature  string
	settleOnce sync.Once
}

// Resolve caches the record in both tiers and wakes every parked retry.
func (s *Settlement) Resolve(rec *wire.AckRecord) {
	s.settleOnce.Do(func() {
		s.c.byID.Add(s.messageID, rec)
		if s.signature != "" {
			s.c.bySignature.Add(s.signature, sigEntry{messageID: s.messageID, rec: rec})
		}
		s.c.removePending(s.messageID, s.signature, s.f)
		s.f.resolve(rec)
	})
}

// Reject wakes every parked retry with the dispatch error. Nothing is
// cached: a failed delivery did not deliver, so a later retry must be
// allowed to dispatch again.
func (s *Settlement) Reject(err error) {
	s.settleOnce.Do(func() {
		s.c.removePending(s.messageID, s.signature, s.f)
		s.f.reject(err)
	})
}

func (c *Cache) removePending(messageID, signature string, f *future) {
	c.mu.Lock()
	if c.pendingByID[messageID] == f {
		delete(c.pendingByID, messageID)
	}
	if signature != "" && c.pendingBySig[signature] == f {
		delete(c.pendingBySig, signature)
	}
	c.mu.Unlock()
}

// markCache returns the reply for an id-keyed dedup hit: the cached record
// marked mode=cache, unless it already carries a dedupe marker from the
// signature tier.
func markCache(rec *wire.AckRecord) *wire.AckRecord {
	if rec.Dedupe != nil {
		c := *rec
		return &c
	}
	return rec.WithDedupe(wire.DedupeCache, "")
}

// Admit runs the admission ladder for an ack-eligible frame. It returns
// either a ready record served by the dedup layer (rec != nil), or a
// Settlement the caller must dispatch and settle (st != nil). A non-nil
// error means the original dispatch this frame was parked on failed; the
// caller answers with a handler-error ack and nothing is cached.
//
// The ladder, in order: id cache, id pending, signature cache, signature
// pending, miss. TTL expiry happens inside the caches on every probe.
func (c *Cache) Admit(ctx context.Context, messageID, signature string) (rec *wire.AckRecord, st *Settlement, err error) {
	for {
		if cached, ok := c.byID.Get(messageID); ok {
			hitCounter.WithLabelValues(modeCache).Inc()
			return markCache(cached), nil, nil
		}

		c.mu.Lock()
		if f := c.pendingByID[messageID]; f != nil {
			c.mu.Unlock()
			hitCounter.WithLabelValues(modePending).Inc()
			got, werr := f.wait(ctx)
			if werr != nil {
				return nil, nil, werr
			}
			return markCache(got), nil, nil
		}
		c.mu.Unlock()

		if signature != "" {
			if cached, ok := c.bySignature.Get(signature); ok {
				hitCounter.WithLabelValues(wire.DedupeSignatureCache).Inc()
				marked := cached.rec.WithDedupe(wire.DedupeSignatureCache, cached.messageID)
				c.byID.Add(messageID, marked)
				return marked, nil, nil
			}

			c.mu.Lock()
			if f := c.pendingBySig[signature]; f != nil {
				c.mu.Unlock()
				hitCounter.WithLabelValues(wire.DedupeSignaturePending).Inc()
				got, werr := f.wait(ctx)
				if werr != nil {
					return nil, nil, werr
				}
				marked := got.WithDedupe(wire.DedupeSignaturePending, f.messageID)
				c.byID.Add(messageID, marked)
				return marked, nil, nil
			}
			c.mu.Unlock()
		}

		// Miss. Install the future in both maps, but only if nobody beat
		// us to it between the probes above; otherwise run the ladder
		// again.
		c.mu.Lock()
		if c.pendingByID[messageID] != nil || (signature != "" && c.pendingBySig[signature] != nil) {
			c.mu.Unlock()
			continue
		}
		f := newFuture(messageID)
		c.pendingByID[messageID] = f
		if signature != "" {
			c.pendingBySig[signature] = f
		}
		c.mu.Unlock()
		return nil, &Settlement{c: c, f: f, messageID: messageID, signature: signature}, nil
	}
}

// Lookup answers delivery-checks: the cached record if present, or whether a
// dispatch is still in flight.
func (c *Cache) Lookup(messageID string) (rec *wire.AckRecord, pending bool) {
	if cached, ok := c.byID.Get(messageID); ok {
		return cached, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return nil, c.pendingByID[messageID] != nil
}

// RejectAll fails every pending future, typically at shutdown.
func (c *Cache) RejectAll(err error) {
	c.mu.Lock()
	pending := make([]*future, 0, len(c.pendingByID))
	for _, f := range c.pendingByID {
		pending = append(pending, f)
	}
	c.pendingByID = make(map[string]*future)
	c.pendingBySig = make(map[string]*future)
	c.mu.Unlock()
	for _, f := range pending {
		f.reject(err)
	}
}

// Stats reports cache and pending sizes for the gauges.
func (c *Cache) Stats() (cached, pending int) {
	c.mu.Lock()
	pending = len(c.pendingByID)
	c.mu.Unlock()
	return c.byID.Len(), pending
}

// Purge empties everything. Test use.
func (c *Cache) Purge() {
	c.byID.Purge()
	c.bySignature.Purge()
}
