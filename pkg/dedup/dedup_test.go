package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anamnesos/hivemind/pkg/wire"
)

func testRecord(status string) *wire.AckRecord {
	return &wire.AckRecord{Ok: true, Accepted: true, Verified: true, Status: status, WSDeliveryCount: 1}
}

func TestAdmitMissThenCacheHit(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	sig := wire.Signature("send", "architect", "1", "builder", "normal", "hello")
	rec, st, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NotNil(t, st)

	st.Resolve(testRecord(wire.StatusDeliveredWebsocket))

	// honest retry with the same id is served from cache, marked mode=cache
	rec, st2, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)
	require.Nil(t, st2)
	require.NotNil(t, rec)
	require.NotNil(t, rec.Dedupe)
	assert.Equal(t, wire.DedupeCache, rec.Dedupe.Mode)
	assert.Equal(t, wire.StatusDeliveredWebsocket, rec.Status)
}

func TestAdmitSignatureCacheHit(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	sig := wire.Signature("send", "architect", "1", "builder", "normal", "hello")
	_, st, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)
	st.Resolve(testRecord(wire.StatusDeliveredWebsocket))

	// same payload under a fresh id dedups through the signature tier
	rec, st2, err := c.Admit(ctx, "m-2", sig)
	require.NoError(t, err)
	require.Nil(t, st2)
	require.NotNil(t, rec.Dedupe)
	assert.Equal(t, wire.DedupeSignatureCache, rec.Dedupe.Mode)
	assert.Equal(t, "m-1", rec.Dedupe.SourceMessageID)

	// and the rebuilt ack is now cached under the new id as well
	rec2, _, err := c.Admit(ctx, "m-2", sig)
	require.NoError(t, err)
	require.NotNil(t, rec2)
	assert.NotNil(t, rec2.Dedupe)
}

func TestAdmitPendingAwait(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	sig := wire.Signature("send", "architect", "1", "builder", "normal", "hi")
	_, st, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*wire.AckRecord, 3)
	errs := make([]error, 3)

	// a retry with the same id and a fresh-id retry with the same payload,
	// both while the original is in flight
	for i, id := range []string{"m-1", "m-1", "m-9"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], _, errs[i] = c.Admit(ctx, id, sig)
		}(i, id)
	}

	time.Sleep(20 * time.Millisecond)
	st.Resolve(testRecord(wire.StatusDeliveredWebsocket))
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i], "result %d", i)
		require.NotNil(t, results[i].Dedupe, "result %d", i)
		assert.True(t, results[i].Verified)
	}
	assert.Equal(t, wire.DedupeCache, results[0].Dedupe.Mode)
	assert.Equal(t, wire.DedupeCache, results[1].Dedupe.Mode)
	assert.Equal(t, wire.DedupeSignaturePending, results[2].Dedupe.Mode)
	assert.Equal(t, "m-1", results[2].Dedupe.SourceMessageID)
}

func TestRejectWakesWaitersAndCachesNothing(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	sig := wire.Signature("send", "architect", "1", "builder", "normal", "boom")
	_, st, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)

	waitErr := make(chan error, 1)
	go func() {
		_, _, err := c.Admit(ctx, "m-1", sig)
		waitErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	boom := errors.New("handler blew up")
	st.Reject(boom)

	require.ErrorIs(t, <-waitErr, boom)

	// nothing cached, nothing pending: the next attempt dispatches fresh
	rec, st2, err := c.Admit(ctx, "m-1", sig)
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NotNil(t, st2)
	st2.Reject(boom)
}

func TestAdmitContextCancelWhilePending(t *testing.T) {
	c := New(Options{})
	_, st, err := c.Admit(context.Background(), "m-1", "")
	require.NoError(t, err)
	defer st.Reject(errors.New("test over"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = c.Admit(ctx, "m-1", "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	c := New(Options{IDTTL: 30 * time.Millisecond, SignatureTTL: 30 * time.Millisecond})

	_, st, err := c.Admit(ctx, "m-1", "sig-x")
	require.NoError(t, err)
	st.Resolve(testRecord(wire.StatusDeliveredWebsocket))

	time.Sleep(60 * time.Millisecond)

	rec, st2, err := c.Admit(ctx, "m-1", "sig-x")
	require.NoError(t, err)
	assert.Nil(t, rec, "expired entries must not serve retries")
	require.NotNil(t, st2)
	st2.Resolve(testRecord(wire.StatusDeliveredWebsocket))
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})

	rec, pending := c.Lookup("nope")
	assert.Nil(t, rec)
	assert.False(t, pending)

	_, st, err := c.Admit(ctx, "m-1", "")
	require.NoError(t, err)

	rec, pending = c.Lookup("m-1")
	assert.Nil(t, rec)
	assert.True(t, pending)

	st.Resolve(testRecord(wire.StatusDeliveredWebsocket))
	rec, pending = c.Lookup("m-1")
	require.NotNil(t, rec)
	assert.False(t, pending)
}

func TestRejectAll(t *testing.T) {
	ctx := context.Background()
	c := New(Options{})
	_, st, err := c.Admit(ctx, "m-1", "")
	require.NoError(t, err)
	_ = st

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Admit(ctx, "m-1", "")
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)

	c.RejectAll(errors.New("shutting down"))
	require.Error(t, <-done)

	_, pending := c.Lookup("m-1")
	assert.False(t, pending)
}
