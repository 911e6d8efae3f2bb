// Package txn implements the Transaction Manager: it wraps Database
// Wrapper calls in atomic units, classifies them as read-only or
// read-write, and retries on transient contention up to a bounded count.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/j3soon/orthanc/internal/storage"
)

// DefaultMaxRetries is the default bound on Busy-driven retries.
const DefaultMaxRetries = 10

// DefaultMaxBackoff is the cap on the exponential backoff delay between retries.
const DefaultMaxBackoff = 100 * time.Millisecond

// ErrShutdown is returned by Run* once Shutdown has been called; in-flight
// operations are allowed to complete, but no new ones are admitted.
var ErrShutdown = errors.New("server index: shutdown")

// Manager opens, retries and commits transactions against a storage.Storage.
type Manager struct {
	store      storage.Storage
	log        *slog.Logger
	maxRetries int
	maxBackoff time.Duration

	mu       sync.RWMutex
	stopped  bool
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithMaxBackoff overrides DefaultMaxBackoff.
func WithMaxBackoff(d time.Duration) Option {
	return func(m *Manager) { m.maxBackoff = d }
}

// WithLogger attaches a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs a Transaction Manager over store.
func NewManager(store storage.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		log:        slog.Default(),
		maxRetries: DefaultMaxRetries,
		maxBackoff: DefaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Shutdown cooperatively stops the manager: in-flight operations complete,
// but Run* calls made after this returns fail with ErrShutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *Manager) isShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

// RunReadOnly runs fn inside a read-only transaction. fn must not perform
// mutating operations; the storage.ReadTx type it receives exposes none.
func (m *Manager) RunReadOnly(ctx context.Context, fn func(storage.ReadTx) error) error {
	if m.isShutdown() {
		return ErrShutdown
	}
	return m.retry(ctx, func() error {
		tx, err := m.store.BeginReadOnly(ctx)
		if err != nil {
			return classifyOpenErr(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit read-only transaction: %w", err)
		}
		return nil
	})
}

// RunReadWrite runs fn inside a read-write transaction. On success the
// transaction is committed atomically; on any error it is rolled back and
// no partial effects are observable.
func (m *Manager) RunReadWrite(ctx context.Context, fn func(storage.WriteTx) error) error {
	if m.isShutdown() {
		return ErrShutdown
	}
	return m.retry(ctx, func() error {
		tx, err := m.store.BeginReadWrite(ctx)
		if err != nil {
			return classifyOpenErr(err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit read-write transaction: %w", err)
		}
		return nil
	})
}

// classifyOpenErr lets a Busy failure to even open a transaction participate
// in the same retry loop as a Busy failure mid-transaction.
func classifyOpenErr(err error) error {
	return err
}

// retry runs op, retrying on storage.ErrBusy with capped exponential
// backoff up to maxRetries times after the first attempt (maxRetries+1
// attempts in all). Any other error aborts
// immediately (backoff.Permanent): on any other failure, the transaction
// rolls back and the error surfaces to the caller unchanged.
func (m *Manager) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = m.maxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not by elapsed time

	bounded := backoff.WithMaxRetries(b, uint64(m.maxRetries))
	bounded = backoff.WithContext(bounded, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if storage.IsBusy(err) {
			m.log.Debug("server index: transaction busy, retrying", "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, bounded)
}
