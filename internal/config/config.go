// Package config holds the construction-time configuration for a server
// index, replacing Orthanc's global singletons with a single
// dependency-injected struct passed to serverindex.New.
package config

import (
	"log/slog"
	"time"

	"github.com/j3soon/orthanc/internal/eventbus"
	"github.com/j3soon/orthanc/internal/housekeeping"
	"github.com/j3soon/orthanc/internal/stability"
	"github.com/j3soon/orthanc/internal/txn"
	"github.com/j3soon/orthanc/pkg/storagearea"
)

// Config is the full set of knobs a ServerIndex is built from.
type Config struct {
	// MaxTotalCompressedBytes bounds the sum of all attachment compressed
	// sizes before recycling kicks in. Zero means unbounded, matching
	// quota.Engine's own convention.
	MaxTotalCompressedBytes int64
	// MaxPatients bounds the Patient-level resource count before recycling
	// kicks in. Zero means unbounded.
	MaxPatients int64

	// QuiescenceWindow is how long a resource must go untouched before the
	// Stability Tracker promotes it to stable.
	QuiescenceWindow time.Duration
	// StabilityCapacity bounds the Stability Tracker's LRU; entries evicted
	// under pressure are promoted immediately rather than waiting out the
	// quiescence window.
	StabilityCapacity int

	// FlushInterval is the housekeeping flush thread's period.
	FlushInterval time.Duration

	// MaxRetries bounds the Transaction Manager's Busy-driven retry loop.
	MaxRetries int
	// MaxBackoff caps the exponential backoff between retries.
	MaxBackoff time.Duration

	// Area is the opaque blob store attachments are written to and read
	// from. Required.
	Area storagearea.Area

	// Listeners are registered on the event bus at construction, before
	// Start is called.
	Listeners []eventbus.Listener

	// Log receives structured diagnostics from every long-running
	// component. Defaults to slog.Default() when nil.
	Log *slog.Logger
}

// withDefaults fills in zero-value fields with their package defaults,
// mirroring the individual components' own DefaultXxx constants so a
// Config{} zero value is still usable wherever zero means "unbounded".
func (c Config) withDefaults() Config {
	if c.QuiescenceWindow <= 0 {
		c.QuiescenceWindow = stability.DefaultQuiescenceWindow
	}
	if c.StabilityCapacity <= 0 {
		c.StabilityCapacity = stability.DefaultCapacity
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = housekeeping.DefaultFlushInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = txn.DefaultMaxRetries
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = txn.DefaultMaxBackoff
	}
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return c
}

// WithDefaults returns a copy of c with unset fields replaced by package
// defaults. serverindex.New calls this so callers only need to set the
// fields they care about.
func WithDefaults(c Config) Config {
	return c.withDefaults()
}
