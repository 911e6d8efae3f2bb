package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ncruces/go-sqlite3"

	"github.com/j3soon/orthanc/internal/storage"
)

// classify maps a raw database/sql or sqlite3 driver error onto the
// sentinel errors the Database Wrapper contract promises:
// NotFound, Conflict, Busy, Corrupt, IO.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.BUSY, sqlite3.LOCKED:
			return fmt.Errorf("%s: %w", op, storage.ErrBusy)
		case sqlite3.CONSTRAINT:
			return fmt.Errorf("%s: %w", op, storage.ErrConflict)
		case sqlite3.CORRUPT, sqlite3.NOTADB:
			return fmt.Errorf("%s: %w", op, storage.ErrCorrupt)
		}
	}
	return fmt.Errorf("%s: %w", op, storage.ErrIO)
}
