package stability_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/types"
)

func newRecordingTracker(capacity int, quiescence time.Duration) (*stability.Tracker, *[]stability.Entry, *sync.Mutex) {
	var mu sync.Mutex
	var promoted []stability.Entry
	tr := stability.New(capacity, quiescence, func(e stability.Entry) {
		mu.Lock()
		promoted = append(promoted, e)
		mu.Unlock()
	})
	return tr, &promoted, &mu
}

func TestMarkUnstableCreatesEntry(t *testing.T) {
	tr, _, _ := newRecordingTracker(10, time.Hour)
	tr.MarkUnstable(1, types.KindPatient, "pat-1")
	assert.Equal(t, 1, tr.Len())

	e, ok := tr.Oldest()
	require.True(t, ok)
	assert.Equal(t, int64(1), e.InternalID)
	assert.Equal(t, "pat-1", e.PublicID)
}

func TestMarkUnstableResetsQuiescenceOnRetouch(t *testing.T) {
	tr, _, _ := newRecordingTracker(10, 50*time.Millisecond)
	tr.MarkUnstable(1, types.KindPatient, "pat-1")

	time.Sleep(30 * time.Millisecond)
	tr.MarkUnstable(1, types.KindPatient, "pat-1") // re-touch before quiescence elapses

	_, promoted := tr.PromoteExpired(time.Now())
	assert.False(t, promoted, "a re-touched entry must not be promoted before a fresh quiescence window elapses")
}

func TestPromoteExpiredPromotesOldestAfterQuiescence(t *testing.T) {
	tr, promoted, mu := newRecordingTracker(10, 20*time.Millisecond)
	tr.MarkUnstable(1, types.KindPatient, "pat-1")

	entry, ok := tr.PromoteExpired(time.Now())
	assert.False(t, ok, "must not promote before the quiescence window elapses")

	entry, ok = tr.PromoteExpired(time.Now().Add(time.Hour))
	require.True(t, ok)
	assert.Equal(t, "pat-1", entry.PublicID)
	assert.Equal(t, 0, tr.Len())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *promoted, 1)
	assert.Equal(t, "pat-1", (*promoted)[0].PublicID)
}

func TestRemoveDropsEntryWithoutPromoting(t *testing.T) {
	tr, promoted, mu := newRecordingTracker(10, time.Nanosecond)
	tr.MarkUnstable(1, types.KindPatient, "pat-1")
	tr.Remove(1)
	assert.Equal(t, 0, tr.Len())

	tr.PromoteExpired(time.Now().Add(time.Hour))
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, *promoted)
}

func TestCapacityEvictionPromotesImmediately(t *testing.T) {
	tr, promoted, mu := newRecordingTracker(1, time.Hour)
	tr.MarkUnstable(1, types.KindPatient, "pat-1")
	tr.MarkUnstable(2, types.KindPatient, "pat-2") // evicts pat-1 under capacity pressure

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *promoted, 1)
	assert.Equal(t, "pat-1", (*promoted)[0].PublicID)
	assert.Equal(t, 1, tr.Len())
}

func TestNextPromotionTimeReflectsOldestEntry(t *testing.T) {
	tr, _, _ := newRecordingTracker(10, 100*time.Millisecond)
	_, ok := tr.NextPromotionTime()
	assert.False(t, ok, "empty tracker has no next promotion time")

	before := time.Now()
	tr.MarkUnstable(1, types.KindPatient, "pat-1")
	next, ok := tr.NextPromotionTime()
	require.True(t, ok)
	assert.True(t, !next.Before(before.Add(100*time.Millisecond)))
}
