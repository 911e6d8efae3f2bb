// Package quota implements the Quota & Recycling Engine: admission
// control over total stored bytes and patient count, enforced by evicting
// least-recently-used, unprotected Patients.
package quota

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/txn"
)

// ErrFullStorage is returned when quota demands eviction but no eligible
// (unprotected, non-target) Patient remains to recycle.
var ErrFullStorage = errors.New("server index: full storage, no patient left to recycle")

// PatientDeleter evicts a Patient's entire subtree inside tx and reports
// the compressed bytes freed. Implemented by internal/hierarchy.Engine.
type PatientDeleter interface {
	DeletePatientSubtree(ctx context.Context, tx storage.WriteTx, patientPublicID string) (freedBytes int64, err error)
}

// Engine holds the quota configuration and enforces it against a storage
// transaction already open on behalf of the caller.
type Engine struct {
	maxTotalBytes int64 // 0 => unlimited
	maxPatients   int64 // 0 => unlimited
	deleter       PatientDeleter

	standalone singleflight.Group
}

// New builds a quota engine. Zero limits mean "unlimited" for that axis.
func New(maxTotalBytes, maxPatients int64, deleter PatientDeleter) *Engine {
	return &Engine{maxTotalBytes: maxTotalBytes, maxPatients: maxPatients, deleter: deleter}
}

// needsRecycling is the admission predicate: true when either the
// incoming bytes would push total usage over the byte limit, or the
// patient count is already at the limit and the incoming data isn't for
// an existing patient.
func (e *Engine) needsRecycling(currentTotal, incomingBytes, currentPatients int64, newPatientExists bool) bool {
	bytesExceeded := e.maxTotalBytes > 0 && currentTotal+incomingBytes > e.maxTotalBytes
	patientsExceeded := e.maxPatients > 0 && currentPatients >= e.maxPatients && !newPatientExists
	return bytesExceeded || patientsExceeded
}

// Admit is the admission check invoked by the hierarchy engine before it
// writes a new instance: it recycles victim Patients, in the same
// transaction, until the predicate is satisfied or no victim remains.
func (e *Engine) Admit(ctx context.Context, tx storage.WriteTx, incomingBytes int64, newPatientPublicID string) error {
	return e.recycleUntilAdmitted(ctx, tx, incomingBytes, newPatientPublicID)
}

func (e *Engine) recycleUntilAdmitted(ctx context.Context, tx storage.WriteTx, incomingBytes int64, newPatientPublicID string) error {
	for {
		total, err := tx.TotalCompressedSize(ctx)
		if err != nil {
			return err
		}
		patients, err := tx.CountPatients(ctx)
		if err != nil {
			return err
		}
		newPatientExists := false
		if newPatientPublicID != "" {
			lookup, err := tx.LookupResource(ctx, newPatientPublicID)
			if err != nil && !storage.IsNotFound(err) {
				return err
			}
			newPatientExists = lookup != nil
		}

		if !e.needsRecycling(total, incomingBytes, patients, newPatientExists) {
			return nil
		}

		victimPublicID, _, found, err := tx.LeastRecentlyUsedPatient(ctx, newPatientPublicID, nil)
		if err != nil {
			return err
		}
		if !found {
			return ErrFullStorage
		}
		if _, err := e.deleter.DeletePatientSubtree(ctx, tx, victimPublicID); err != nil {
			return err
		}
	}
}

// StandaloneRecycling recycles until the database is back under quota,
// without inserting anything; used after an operator lowers max_total_bytes
// or max_patients. Concurrent calls are collapsed into a single in-flight
// pass via singleflight, since they all accomplish the same thing.
func (e *Engine) StandaloneRecycling(ctx context.Context, mgr *txn.Manager) error {
	_, err, _ := e.standalone.Do("standalone-recycle", func() (interface{}, error) {
		return nil, mgr.RunReadWrite(ctx, func(tx storage.WriteTx) error {
			return e.recycleUntilAdmitted(ctx, tx, 0, "")
		})
	})
	return err
}
