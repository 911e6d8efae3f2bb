// Package sqlite is the Database Wrapper backed by SQLite via
// github.com/ncruces/go-sqlite3, a pure-Go driver that avoids cgo.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/j3soon/orthanc/internal/storage"
)

// Store is a storage.Storage backed by a single SQLite database file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_txlock=immediate", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, classify("open database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, classify("set journal mode", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, classify("enable foreign keys", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, classify("apply schema", err)
	}

	return &Store{db: db}, nil
}

// BeginReadOnly opens a read-only transaction.
func (s *Store) BeginReadOnly(ctx context.Context) (storage.ReadTx, error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify("begin read-only transaction", err)
	}
	return &tx{sqlTx: sqlTx, writable: false}, nil
}

// BeginReadWrite opens a read-write transaction under an immediate lock:
// the DSN's _txlock=immediate makes every BeginTx acquire a RESERVED lock
// up front, so writer/writer contention surfaces promptly as SQLITE_BUSY
// rather than deadlocking deep inside a transaction.
func (s *Store) BeginReadWrite(ctx context.Context) (storage.WriteTx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin read-write transaction", err)
	}
	return &tx{sqlTx: sqlTx, writable: true}, nil
}

// Flush checkpoints the write-ahead log to the main database file.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return classify("flush", err)
}

// IsProtected reports whether the given Patient public id is protected,
// without requiring the caller to manage its own transaction.
func (s *Store) IsProtected(ctx context.Context, patientPublicID string) (bool, error) {
	var protected bool
	err := s.db.QueryRowContext(ctx, `SELECT protected FROM resources WHERE public_id = ? AND kind = 0`, patientPublicID).Scan(&protected)
	if err != nil {
		return false, classify("is protected", err)
	}
	return protected, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Storage = (*Store)(nil)
