// Package housekeeping runs the server index's two background threads: a
// flush thread that asks the Database Wrapper to persist its write-ahead
// state, and a stability-monitor thread that promotes quiescent resources.
package housekeeping

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/storage"
)

// DefaultFlushInterval is the default period between background flushes.
const DefaultFlushInterval = 10 * time.Second

// monitorTick bounds how long the stability monitor ever sleeps before
// re-checking, even when the tracker reports an empty or distant queue.
const monitorTick = time.Second

// Housekeeper runs the flush and stability-monitor threads until Stop.
type Housekeeper struct {
	store         storage.Storage
	tracker       *stability.Tracker
	flushInterval time.Duration
	log           *slog.Logger

	lastFlushNano int64 // unix nanoseconds, updated by this thread and MarkFlushed

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a Housekeeper. A zero flushInterval uses DefaultFlushInterval.
func New(store storage.Storage, tracker *stability.Tracker, flushInterval time.Duration, log *slog.Logger) *Housekeeper {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Housekeeper{store: store, tracker: tracker, flushInterval: flushInterval, log: log}
}

// MarkFlushed records that a write-ahead flush has just happened via normal
// traffic, so the flush thread's next tick can skip a redundant flush.
func (h *Housekeeper) MarkFlushed() {
	atomic.StoreInt64(&h.lastFlushNano, time.Now().UnixNano())
}

// Start launches both background threads, supervised by an errgroup so
// Stop can wait for both to exit cleanly.
func (h *Housekeeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.flushLoop(gctx)
		return nil
	})
	g.Go(func() error {
		h.stabilityMonitorLoop(gctx)
		return nil
	})
	h.group = g
}

// Stop sets the shutdown flag (by canceling the background context) and
// joins both threads.
func (h *Housekeeper) Stop() error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.group != nil {
		return h.group.Wait()
	}
	return nil
}

func (h *Housekeeper) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&h.lastFlushNano))
			if time.Since(last) < h.flushInterval {
				continue // normal traffic already flushed within the interval
			}
			if err := h.store.Flush(ctx); err != nil {
				h.log.Error("housekeeping: flush failed", "error", err)
				continue
			}
			h.MarkFlushed()
		}
	}
}

func (h *Housekeeper) stabilityMonitorLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if _, promoted := h.tracker.PromoteExpired(time.Now()); promoted {
			continue // more entries may already be due; recheck immediately
		}

		wait := monitorTick
		if next, ok := h.tracker.NextPromotionTime(); ok {
			if untilNext := time.Until(next); untilNext < wait {
				if untilNext < 0 {
					untilNext = 0
				}
				wait = untilNext
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
