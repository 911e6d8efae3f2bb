package housekeeping_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3soon/orthanc/internal/housekeeping"
	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/storage/memory"
	"github.com/j3soon/orthanc/internal/types"
)

// countingStore wraps a memory.Store, counting Flush calls.
type countingStore struct {
	*memory.Store
	flushes int64
}

func (s *countingStore) Flush(ctx context.Context) error {
	atomic.AddInt64(&s.flushes, 1)
	return s.Store.Flush(ctx)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition was never satisfied within %s", timeout)
}

func TestFlushLoopCallsFlushPeriodically(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	tracker := stability.New(10, time.Hour, func(stability.Entry) {})
	h := housekeeping.New(store, tracker, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	defer func() {
		cancel()
		h.Stop()
	}()

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt64(&store.flushes) >= 1 })
}

func TestMarkFlushedSkipsRedundantFlush(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	tracker := stability.New(10, time.Hour, func(stability.Entry) {})
	h := housekeeping.New(store, tracker, 20*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	defer func() {
		cancel()
		h.Stop()
	}()

	// Continually mark as flushed faster than the interval elapses; the
	// flush thread should never observe a stale enough lastFlushNano to
	// trigger its own Flush call.
	stop := time.After(100 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			h.MarkFlushed()
		}
	}

	assert.Zero(t, atomic.LoadInt64(&store.flushes), "MarkFlushed should have preempted every tick's own flush")
}

func TestStabilityMonitorPromotesQuiescentEntries(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	var promoted int64
	tracker := stability.New(10, 10*time.Millisecond, func(stability.Entry) {
		atomic.AddInt64(&promoted, 1)
	})
	h := housekeeping.New(store, tracker, time.Hour, nil)

	tracker.MarkUnstable(1, types.KindPatient, "pat-1")

	ctx, cancel := context.WithCancel(context.Background())
	h.Start(ctx)
	defer func() {
		cancel()
		h.Stop()
	}()

	waitForCondition(t, time.Second, func() bool { return atomic.LoadInt64(&promoted) == 1 })
}

func TestStopJoinsBothLoopsPromptly(t *testing.T) {
	store := &countingStore{Store: memory.New()}
	tracker := stability.New(10, time.Hour, func(stability.Entry) {})
	h := housekeeping.New(store, tracker, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	done := make(chan error, 1)
	go func() { done <- h.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
