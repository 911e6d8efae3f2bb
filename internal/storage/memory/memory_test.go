package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3soon/orthanc/internal/storage"
	"github.com/j3soon/orthanc/internal/storage/memory"
	"github.com/j3soon/orthanc/internal/types"
)

func TestCreateAndLookupResource(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)

	id, err := tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	require.NoError(t, err)
	assert.NotZero(t, id)
	require.NoError(t, tx.Commit(ctx))

	rtx, err := s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer rtx.Commit(ctx)

	lookup, err := rtx.LookupResource(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, id, lookup.InternalID)
	assert.Equal(t, types.KindPatient, lookup.Kind)
}

func TestCreateResourceConflictsOnDuplicatePublicID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	require.NoError(t, err)
	_, err = tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	assert.ErrorIs(t, err, storage.ErrConflict)
	require.NoError(t, tx.Rollback(ctx))
}

func TestLookupResourceNotFound(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tx, err := s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	_, err = tx.LookupResource(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	tx, err := s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	_, err = tx.(interface {
		CreateResource(ctx context.Context, publicID string, kind types.ResourceKind, parentID int64) (int64, error)
	}).CreateResource(ctx, "pat-1", types.KindPatient, 0)
	assert.ErrorIs(t, err, storage.ErrIO)
}

func TestDeleteResourceCleansUpChildrenIndexAndAttachmentTotal(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	parentID, err := tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	require.NoError(t, err)
	childID, err := tx.CreateResource(ctx, "study-1", types.KindStudy, parentID)
	require.NoError(t, err)
	require.NoError(t, tx.PutAttachment(ctx, types.Attachment{
		ResourceID: childID, Kind: types.ContentDicom, CompressedSize: 100, UncompressedSize: 100,
	}))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadWrite(ctx)
	require.NoError(t, err)
	children, err := tx.GetChildren(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	require.NoError(t, tx.DeleteResource(ctx, childID))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadWrite(ctx)
	require.NoError(t, err)
	children, err = tx.GetChildren(ctx, parentID)
	require.NoError(t, err)
	assert.Empty(t, children)

	total, err := tx.TotalCompressedSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = tx.LookupResource(ctx, "study-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, tx.Commit(ctx))
}

func TestAppendChangeSequenceIncreasesAndSurvivesAcrossTx(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	c1, err := tx.AppendChange(ctx, types.ChangeNewPatient, types.KindPatient, "pat-1")
	require.NoError(t, err)
	c2, err := tx.AppendChange(ctx, types.ChangeNewStudy, types.KindStudy, "study-1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, int64(1), c1.Sequence)
	assert.Equal(t, int64(2), c2.Sequence)

	tx, err = s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	changes, more, err := tx.ReadChanges(ctx, 0, 10)
	require.NoError(t, err)
	assert.False(t, more)
	require.Len(t, changes, 2)
	assert.Equal(t, "pat-1", changes[0].PublicID)
	assert.Equal(t, "study-1", changes[1].PublicID)
}

func TestReadChangesRespectsSinceAndPagination(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := tx.AppendChange(ctx, types.ChangeNewPatient, types.KindPatient, "pat")
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	page, more, err := tx.ReadChanges(ctx, 0, 2)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].Sequence)
	assert.Equal(t, int64(2), page[1].Sequence)

	rest, more, err := tx.ReadChanges(ctx, 2, 10)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Len(t, rest, 3)
}

func TestPurgeChangesResetsSequence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = tx.AppendChange(ctx, types.ChangeNewPatient, types.KindPatient, "pat-1")
	require.NoError(t, err)
	require.NoError(t, tx.PurgeChanges(ctx))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadWrite(ctx)
	require.NoError(t, err)
	c, err := tx.AppendChange(ctx, types.ChangeNewPatient, types.KindPatient, "pat-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Sequence, "sequence must restart from zero after a purge")
	require.NoError(t, tx.Commit(ctx))
}

func TestLeastRecentlyUsedPatientExcludesProtectedAndExcluded(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	require.NoError(t, err)
	id2, err := tx.CreateResource(ctx, "pat-2", types.KindPatient, 0)
	require.NoError(t, err)
	require.NoError(t, tx.SetProtected(ctx, id2, true))
	_, err = tx.CreateResource(ctx, "pat-3", types.KindPatient, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	public, _, ok, err := tx.LeastRecentlyUsedPatient(ctx, "pat-3", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pat-1", public, "pat-2 is protected and pat-3 is excluded; pat-1 is the oldest eligible patient")
}

func TestLeastRecentlyUsedPatientNoneEligible(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, err = tx.CreateResource(ctx, "pat-1", types.KindPatient, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	_, _, ok, err := tx.LeastRecentlyUsedPatient(ctx, "pat-1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttachmentRoundTripAndTotalCompressedSize(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	id, err := tx.CreateResource(ctx, "instance-1", types.KindInstance, 0)
	require.NoError(t, err)
	require.NoError(t, tx.PutAttachment(ctx, types.Attachment{
		ResourceID: id, Kind: types.ContentDicom, CompressedSize: 42, UncompressedSize: 42,
	}))
	require.NoError(t, tx.Commit(ctx))

	tx, err = s.BeginReadOnly(ctx)
	require.NoError(t, err)
	defer tx.Commit(ctx)

	a, err := tx.GetAttachment(ctx, id, types.ContentDicom)
	require.NoError(t, err)
	assert.EqualValues(t, 42, a.CompressedSize)

	total, err := tx.TotalCompressedSize(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 42, total)
}

func TestGlobalPropertyAndSequence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	tx, err := s.BeginReadWrite(ctx)
	require.NoError(t, err)
	_, ok, err := tx.GetGlobalProperty(ctx, types.PropertySchemaVersion)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := tx.IncrementGlobalSequence(ctx, types.PropertyChangeSequence)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = tx.IncrementGlobalSequence(ctx, types.PropertyChangeSequence)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	require.NoError(t, tx.Commit(ctx))
}

var _ storage.Storage = (*memory.Store)(nil)
