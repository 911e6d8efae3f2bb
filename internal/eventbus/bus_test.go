package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3soon/orthanc/internal/eventbus"
	"github.com/j3soon/orthanc/internal/types"
)

type recordingListener struct {
	id       string
	priority int
	handles  []types.ChangeKind
	failWith error

	mu  sync.Mutex
	got []types.Change
}

func (l *recordingListener) ID() string                 { return l.id }
func (l *recordingListener) Handles() []types.ChangeKind { return l.handles }
func (l *recordingListener) Priority() int               { return l.priority }

func (l *recordingListener) Handle(ctx context.Context, change types.Change, result *eventbus.Result) error {
	l.mu.Lock()
	l.got = append(l.got, change)
	l.mu.Unlock()
	return l.failWith
}

func (l *recordingListener) received() []types.Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Change, len(l.got))
	copy(out, l.got)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition was never satisfied within %s", timeout)
}

func TestEnqueueDeliversToMatchingListener(t *testing.T) {
	bus := eventbus.New(nil)
	l := &recordingListener{id: "l1", handles: []types.ChangeKind{types.ChangeNewPatient}}
	bus.Register(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Enqueue(types.Change{Sequence: 1, Kind: types.ChangeNewPatient, PublicID: "pat-1"})
	bus.Enqueue(types.Change{Sequence: 2, Kind: types.ChangeNewStudy, PublicID: "study-1"})

	waitFor(t, time.Second, func() bool { return len(l.received()) >= 1 })
	time.Sleep(10 * time.Millisecond) // allow a possible (wrong) second delivery to land
	got := l.received()
	require.Len(t, got, 1)
	assert.Equal(t, "pat-1", got[0].PublicID)
}

func TestListenerWithNoHandlesObservesEveryKind(t *testing.T) {
	bus := eventbus.New(nil)
	l := &recordingListener{id: "catch-all"}
	bus.Register(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Enqueue(types.Change{Sequence: 1, Kind: types.ChangeNewPatient})
	bus.Enqueue(types.Change{Sequence: 2, Kind: types.ChangeDeleted})

	waitFor(t, time.Second, func() bool { return len(l.received()) == 2 })
}

func TestListenersDeliveredInPriorityOrder(t *testing.T) {
	bus := eventbus.New(nil)
	var mu sync.Mutex
	var order []string

	makeListener := func(id string, priority int) *recordingListener {
		return &recordingListener{id: id, priority: priority}
	}
	first := makeListener("second-priority", 10)
	second := makeListener("first-priority", 1)

	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}
	wrap := func(l *recordingListener) *orderTrackingListener {
		return &orderTrackingListener{recordingListener: l, record: record}
	}

	bus.Register(wrap(first))
	bus.Register(wrap(second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Enqueue(types.Change{Sequence: 1, Kind: types.ChangeNewPatient})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first-priority", "second-priority"}, order)
}

// orderTrackingListener wraps recordingListener to additionally record
// delivery order into a shared slice.
type orderTrackingListener struct {
	*recordingListener
	record func(id string)
}

func (l *orderTrackingListener) Handle(ctx context.Context, change types.Change, result *eventbus.Result) error {
	l.record(l.ID())
	return l.recordingListener.Handle(ctx, change, result)
}

func TestUnregisterRemovesListener(t *testing.T) {
	bus := eventbus.New(nil)
	l := &recordingListener{id: "l1"}
	bus.Register(l)
	require.Len(t, bus.Listeners(), 1)

	removed := bus.Unregister("l1")
	assert.True(t, removed)
	assert.Empty(t, bus.Listeners())

	assert.False(t, bus.Unregister("missing"))
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	bus := eventbus.New(nil)
	failing := &recordingListener{id: "failing", priority: 1, failWith: errors.New("boom")}
	healthy := &recordingListener{id: "healthy", priority: 2}
	bus.Register(failing)
	bus.Register(healthy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)
	defer bus.Stop()

	bus.Enqueue(types.Change{Sequence: 1, Kind: types.ChangeNewPatient})

	waitFor(t, time.Second, func() bool { return len(healthy.received()) == 1 })
	assert.Len(t, failing.received(), 1)
}

func TestStopDrainsDeliveryGoroutine(t *testing.T) {
	bus := eventbus.New(nil)
	l := &recordingListener{id: "l1"}
	bus.Register(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus.Start(ctx)

	bus.Enqueue(types.Change{Sequence: 1, Kind: types.ChangeNewPatient})
	waitFor(t, time.Second, func() bool { return len(l.received()) == 1 })

	bus.Stop() // must return promptly, not hang
}
