// Package eventbus implements the Listener Bridge: after a read-write
// transaction commits, its change records are delivered to registered
// observers, in priority order, on a dedicated delivery goroutine — never
// on the committing caller's goroutine.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/j3soon/orthanc/internal/types"
)

// queueCapacity bounds the backlog of committed-but-undelivered changes.
// Enqueue blocks once full, which back-pressures the committing caller
// rather than dropping changes.
const queueCapacity = 4096

// Bus dispatches committed changes to registered Listeners.
type Bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	handlers []Listener

	queue  chan types.Change
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a Bus. Call Start to begin the delivery goroutine.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:   log,
		queue: make(chan types.Change, queueCapacity),
		done:  make(chan struct{}),
	}
}

// Register adds a listener to the bus. Listeners are sorted by priority on
// each delivery (in deliver), so registration order does not matter.
func (b *Bus) Register(h Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Unregister removes a listener by ID. Returns true if one was removed.
func (b *Bus) Unregister(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.ID() == id {
			b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners returns all registered listeners, for introspection.
func (b *Bus) Listeners() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Listener, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// Start launches the dedicated delivery goroutine. It runs until ctx is
// canceled or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.deliveryLoop(ctx)
}

// Stop signals the delivery goroutine to exit and waits for it to drain
// in-flight work.
func (b *Bus) Stop() {
	b.once.Do(func() { close(b.done) })
	b.wg.Wait()
}

// Enqueue hands a committed change to the delivery goroutine. It blocks if
// the queue is full, applying back-pressure to the caller.
func (b *Bus) Enqueue(change types.Change) {
	select {
	case b.queue <- change:
	case <-b.done:
	}
}

func (b *Bus) deliveryLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case change := <-b.queue:
			b.deliver(ctx, change)
		case <-b.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// deliver calls every matching listener in priority order. The queue lives
// in memory only: changes still queued when the process stops are not
// redelivered on restart. Listeners must be idempotent. A failed listener is logged
// and skipped — it never blocks commit nor other listeners.
func (b *Bus) deliver(ctx context.Context, change types.Change) {
	b.mu.RLock()
	matching := b.matchingHandlers(change.Kind)
	b.mu.RUnlock()

	result := &Result{}
	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := h.Handle(ctx, change, result); err != nil {
			b.log.Error("eventbus: listener failed", "listener", h.ID(), "change_kind", change.Kind, "error", err)
		}
	}
}

// matchingHandlers returns listeners that observe kind, sorted by priority
// (lowest first). Must be called with at least a read lock held.
func (b *Bus) matchingHandlers(kind types.ChangeKind) []Listener {
	var matched []Listener
	for _, h := range b.handlers {
		handles := h.Handles()
		if len(handles) == 0 {
			matched = append(matched, h)
			continue
		}
		for _, k := range handles {
			if k == kind {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}
