package hierarchy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3soon/orthanc/internal/hierarchy"
	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/storage/memory"
	"github.com/j3soon/orthanc/internal/tagregistry"
	"github.com/j3soon/orthanc/internal/types"
)

type noopAdmitter struct{ called int }

func (a *noopAdmitter) Admit(ctx context.Context, tx storage.WriteTx, incomingBytes int64, newPatientPublicID string) error {
	a.called++
	return nil
}

type recordingMarker struct {
	marked  []string
	removed []int64
}

func (m *recordingMarker) MarkUnstable(internalID int64, kind types.ResourceKind, publicID string) {
	m.marked = append(m.marked, publicID)
}

func (m *recordingMarker) Remove(internalID int64) {
	m.removed = append(m.removed, internalID)
}

func newEngine() (*hierarchy.Engine, *memory.Store, *noopAdmitter, *recordingMarker) {
	store := memory.New()
	admitter := &noopAdmitter{}
	marker := &recordingMarker{}
	e := hierarchy.New(tagregistry.New(), admitter, marker)
	return e, store, admitter, marker
}

func sampleInput() hierarchy.StoreInput {
	return hierarchy.StoreInput{
		Patient: hierarchy.LevelTags{"0010,0020": "PAT001", "0010,0010": "Doe^Jane"},
		Study:   hierarchy.LevelTags{"0020,000D": "1.2.3.1"},
		Series:  hierarchy.LevelTags{"0020,000E": "1.2.3.1.1", "0008,0060": "CT"},
		Instance: hierarchy.LevelTags{"0008,0018": "1.2.3.1.1.1"},
	}
}

func TestStoreCreatesFullHierarchyOnFirstInstance(t *testing.T) {
	e, store, admitter, marker := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, hierarchy.StatusSuccess, res.Status)
	assert.True(t, res.NewPatient)
	assert.True(t, res.NewStudy)
	assert.True(t, res.NewSeries)
	assert.True(t, res.NewInstance)
	assert.Equal(t, 1, admitter.called)
	assert.Len(t, marker.marked, 3, "patient, study and series are stability-tracked, not instance")
}

func TestStoreSecondInstanceReusesAncestors(t *testing.T) {
	e, store, _, _ := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	second := sampleInput()
	second.Instance = hierarchy.LevelTags{"0008,0018": "1.2.3.1.1.2"}

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, second)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.False(t, res.NewPatient)
	assert.False(t, res.NewStudy)
	assert.False(t, res.NewSeries)
	assert.True(t, res.NewInstance)
}

func TestStoreDuplicateInstanceWithoutOverwriteIsAlreadyStored(t *testing.T) {
	e, store, _, _ := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, hierarchy.StatusAlreadyStored, res.Status)
}

func TestStoreConflictingRetagOnAncestorFails(t *testing.T) {
	e, store, _, _ := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	retag := sampleInput()
	retag.Patient["0010,0010"] = "Different^Name"
	retag.Instance = hierarchy.LevelTags{"0008,0018": "1.2.3.1.1.3"}

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = e.Store(ctx, tx, retag)
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, tx.Rollback(ctx))
}

func TestDeleteResourceCascadesAndPrunesChildlessAncestors(t *testing.T) {
	e, store, _, marker := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	del, err := e.DeleteResource(ctx, tx, res.InstanceID, types.KindInstance)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.ElementsMatch(t, []string{res.InstanceID, res.SeriesID, res.StudyID, res.PatientID}, del.DeletedPublicIDs,
		"deleting the only instance must cascade-prune every now-childless ancestor up to the patient")
	assert.NotEmpty(t, marker.removed)

	tx, err = store.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)
	_, err = tx.LookupResource(ctx, res.PatientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteResourceStopsAtProtectedPatient(t *testing.T) {
	e, store, _, _ := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	lookup, err := tx.LookupResource(ctx, res.PatientID)
	require.NoError(t, err)
	require.NoError(t, tx.SetProtected(ctx, lookup.InternalID, true))
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	del, err := e.DeleteResource(ctx, tx, res.InstanceID, types.KindInstance)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.NotContains(t, del.DeletedPublicIDs, res.PatientID, "a protected patient must survive even when childless")

	tx, err = store.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)
	_, err = tx.LookupResource(ctx, res.PatientID)
	assert.NoError(t, err)
}

func TestDeleteResourceWrongKindFails(t *testing.T) {
	e, store, _, _ := newEngine()
	ctx := context.Background()

	tx, err := store.BeginReadWrite(ctx)
	require.NoError(t, err)
	res, err := e.Store(ctx, tx, sampleInput())
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = store.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = e.DeleteResource(ctx, tx, res.PatientID, types.KindStudy)
	assert.Error(t, err)
	require.NoError(t, tx.Rollback(ctx))
}
