// Package changelog exposes read-side access to the Change Journal.
// Appends happen inline inside the write transactions that produce them
// (internal/hierarchy, internal/serverindex); this package wraps the
// read(since, max), last() and purge() operations behind a Transaction
// Manager so callers don't have to open transactions by hand.
package changelog

import (
	"context"

	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/txn"
	"github.com/j3soon/orthanc/internal/types"
)

// Journal reads and purges the two append-only logs kept by the server
// index (the change journal and the exported-resource journal).
type Journal struct {
	mgr *txn.Manager
}

// New builds a Journal over mgr.
func New(mgr *txn.Manager) *Journal {
	return &Journal{mgr: mgr}
}

// ReadChanges returns up to maxResults change records starting at sequence
// since, and whether more remain beyond this batch.
func (j *Journal) ReadChanges(ctx context.Context, since int64, maxResults int) (changes []types.Change, more bool, err error) {
	err = j.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		changes, more, err = tx.ReadChanges(ctx, since, maxResults)
		return err
	})
	return changes, more, err
}

// LastChange returns the highest-sequence change record, if any.
func (j *Journal) LastChange(ctx context.Context) (change *types.Change, found bool, err error) {
	err = j.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		change, found, err = tx.LastChange(ctx)
		return err
	})
	return change, found, err
}

// PurgeChanges deletes every change record and resets the sequence counter.
func (j *Journal) PurgeChanges(ctx context.Context) error {
	return j.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		return tx.PurgeChanges(ctx)
	})
}

// ReadExportedResources returns up to maxResults exported-resource records
// starting at sequence since, and whether more remain.
func (j *Journal) ReadExportedResources(ctx context.Context, since int64, maxResults int) (rows []types.ExportedResource, more bool, err error) {
	err = j.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		rows, more, err = tx.ReadExportedResources(ctx, since, maxResults)
		return err
	})
	return rows, more, err
}

// LastExportedResource returns the highest-sequence exported-resource
// record, if any.
func (j *Journal) LastExportedResource(ctx context.Context) (row *types.ExportedResource, found bool, err error) {
	err = j.mgr.RunReadOnly(ctx, func(tx storage.ReadTx) error {
		row, found, err = tx.LastExportedResource(ctx)
		return err
	})
	return row, found, err
}

// PurgeExportedResources deletes every exported-resource record and resets
// its sequence counter.
func (j *Journal) PurgeExportedResources(ctx context.Context) error {
	return j.mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
		return tx.PurgeExportedResources(ctx)
	})
}
