// Package stability implements the Stability Tracker: a bounded LRU of
// recently-touched Patient/Study/Series resources that emits a "stable"
// change event after a quiescence window of no further touches.
package stability

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/j3soon/orthanc/internal/types"
)

// DefaultQuiescenceWindow is the default time a resource must go untouched
// before it transitions from unstable to stable.
const DefaultQuiescenceWindow = 60 * time.Second

// DefaultCapacity bounds the number of unstable entries tracked at once.
const DefaultCapacity = 10000

// Entry is the tracked state for one unstable resource.
type Entry struct {
	InternalID       int64
	Kind             types.ResourceKind
	PublicID         string
	FirstTouch       time.Time
	LastTouch        time.Time
}

// PromoteFunc is invoked, outside the tracker's internal lock, whenever an
// entry transitions unstable -> stable (by quiescence or by LRU eviction).
type PromoteFunc func(Entry)

// Tracker is a bounded LRU of unstable resources. An unstable
// resource cannot be observed as stable before quiescenceWindow has elapsed
// since its last write-side touch.
type Tracker struct {
	mu         sync.Mutex
	cache      *lru.Cache[int64, *Entry]
	quiescence time.Duration
	onPromote  PromoteFunc

	evicted []Entry // entries evicted by the last MarkUnstable call, drained by the caller
}

// New builds a Tracker with the given capacity and quiescence window.
// onPromote is called synchronously by MarkUnstable when an Add causes an
// LRU eviction (capacity promotion), and by the caller of PromoteExpired
// for quiescence-driven promotion.
func New(capacity int, quiescence time.Duration, onPromote PromoteFunc) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if quiescence <= 0 {
		quiescence = DefaultQuiescenceWindow
	}
	t := &Tracker{quiescence: quiescence, onPromote: onPromote}
	cache, err := lru.NewWithEvict[int64, *Entry](capacity, func(key int64, value *Entry) {
		// Capacity eviction promotes immediately. We cannot
		// safely call back into the tracker from here (the eviction runs
		// under the LRU's own lock), so we stash the entry and let
		// MarkUnstable invoke onPromote after the Add call returns.
		t.evicted = append(t.evicted, *value)
	})
	if err != nil {
		// Only returns an error for size <= 0, guarded above.
		panic(err)
	}
	t.cache = cache
	return t
}

// MarkUnstable records a write-side touch of id: creates an entry on first
// touch (absent -> unstable), or resets the quiescence timer on further
// touches (unstable -> unstable / stable -> unstable).
func (t *Tracker) MarkUnstable(internalID int64, kind types.ResourceKind, publicID string) {
	t.mu.Lock()
	now := time.Now()
	existing, ok := t.cache.Get(internalID)
	if ok {
		existing.LastTouch = now
		t.cache.Add(internalID, existing)
	} else {
		t.cache.Add(internalID, &Entry{
			InternalID: internalID,
			Kind:       kind,
			PublicID:   publicID,
			FirstTouch: now,
			LastTouch:  now,
		})
	}
	pending := t.evicted
	t.evicted = nil
	t.mu.Unlock()

	for _, e := range pending {
		if e.InternalID != internalID && t.onPromote != nil {
			t.onPromote(e)
		}
	}
}

// Remove drops id from the tracker without promoting it (used when a
// resource is deleted: absent transition).
func (t *Tracker) Remove(internalID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(internalID)
	// The LRU runs the eviction callback on Remove too; discard what it
	// stashed so the next MarkUnstable does not promote this entry.
	t.evicted = nil
}

// Len reports the number of tracked unstable entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Oldest returns the least-recently-touched entry, if any. Used by the
// background stability monitor to decide whether to promote now or
// sleep until the projected promotion time.
func (t *Tracker) Oldest() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := t.cache.Keys()
	if len(keys) == 0 {
		return Entry{}, false
	}
	e, ok := t.cache.Peek(keys[0])
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// PromoteExpired promotes and removes the oldest entry if it has been
// quiescent for at least the configured window. It returns the promoted
// entry and true if a promotion occurred.
func (t *Tracker) PromoteExpired(now time.Time) (Entry, bool) {
	t.mu.Lock()
	keys := t.cache.Keys()
	if len(keys) == 0 {
		t.mu.Unlock()
		return Entry{}, false
	}
	e, ok := t.cache.Peek(keys[0])
	if !ok || now.Sub(e.LastTouch) < t.quiescence {
		t.mu.Unlock()
		return Entry{}, false
	}
	entry := *e
	t.cache.Remove(entry.InternalID)
	// Remove ran the eviction callback; drop that copy so the entry is
	// promoted here only, not again by the next MarkUnstable.
	t.evicted = nil
	t.mu.Unlock()

	if t.onPromote != nil {
		t.onPromote(entry)
	}
	return entry, true
}

// NextPromotionTime returns the time at which the oldest entry becomes
// eligible for promotion, used by the monitor thread to sleep precisely
// instead of busy-polling.
func (t *Tracker) NextPromotionTime() (time.Time, bool) {
	e, ok := t.Oldest()
	if !ok {
		return time.Time{}, false
	}
	return e.LastTouch.Add(t.quiescence), true
}
