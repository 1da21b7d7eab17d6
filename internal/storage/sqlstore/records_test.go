package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/fingerprint"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

func newRecord(serial, project string) *types.Record {
	return &types.Record{
		SerialNumber: serial,
		ProjectName:  project,
		Description:  "screen flickers",
		Owner:        "alice",
		Severity:     2,
		Status:       types.StatusOpen,
	}
}

func TestUpsertRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertInserted, res.Outcome)
	assert.Nil(t, res.Previous)
	rec := res.Record
	assert.NotZero(t, rec.ID)
	assert.Equal(t, fingerprint.Hash(newRecord("1", "X")), rec.ContentHash)
	assert.Equal(t, types.SyncPending, rec.SyncStatus)
	assert.Equal(t, types.OpInsert, rec.OperationType)
	assert.True(t, rec.CreatedAt.Equal(t0))

	res, err = s.UpsertRecord(ctx, newRecord("1", "X"), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUnchanged, res.Outcome)
	assert.True(t, res.Record.UpdatedAt.Equal(t0), "unchanged upsert must not write")

	changed := newRecord("1", "X")
	changed.Owner = "bob"
	res, err = s.UpsertRecord(ctx, changed, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, res.Outcome)
	assert.Equal(t, rec.ID, res.Record.ID)
	assert.Equal(t, "alice", res.Previous.Owner)
	assert.Equal(t, "bob", res.Record.Owner)
	assert.Equal(t, types.OpUpdate, res.Record.OperationType)
	assert.NotEqual(t, rec.ContentHash, res.Record.ContentHash)
	assert.True(t, res.Record.UpdatedAt.Equal(t0.Add(2*time.Minute)))
}

func TestUpsertUntrackedFieldUpdatesWithoutHashChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)

	r := newRecord("1", "X")
	r.Resolution = "replaced cable"
	due := t0.Add(72 * time.Hour)
	r.TargetCompletion = &due
	res, err := s.UpsertRecord(ctx, r, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, res.Outcome)
	assert.Equal(t, first.Record.ContentHash, res.Record.ContentHash)
	assert.Equal(t, "replaced cable", res.Record.Resolution)
	require.NotNil(t, res.Record.TargetCompletion)
	assert.True(t, res.Record.TargetCompletion.Equal(due))

	res, err = s.UpsertRecord(ctx, r, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUnchanged, res.Outcome)
}

func TestUpsertRecordDataIntegrity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)
	_, err = s.UpsertRecord(ctx, newRecord("2", "X"), t0)
	require.NoError(t, err)

	wrong := newRecord("2", "X")
	wrong.ID = a.Record.ID
	wrong.Owner = "mallory"
	_, err = s.UpsertRecord(ctx, wrong, t0.Add(time.Minute))
	assert.ErrorIs(t, err, storage.ErrDataIntegrity)

	stored, err := s.GetRecordByKey(ctx, types.NaturalKey{SerialNumber: "2", ProjectName: "X"})
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Owner, "rejected upsert must not write")

	ghost := newRecord("3", "X")
	ghost.ID = 999
	_, err = s.UpsertRecord(ctx, ghost, t0)
	assert.ErrorIs(t, err, storage.ErrDataIntegrity)
}

func TestUpsertRejectsInvalidRecord(t *testing.T) {
	s := newTestStore(t)
	_, err := s.UpsertRecord(context.Background(), &types.Record{SerialNumber: "1", Status: types.StatusOpen}, t0)
	assert.ErrorContains(t, err, "project_name")
}

func TestClosingLinkedRecordMarksUpdated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(ctx, res.Record.ID, storage.SyncMetadata{
		RemoteID: 42, RemoteURL: "https://gitlab.example.com/g/p/-/issues/42",
		SyncedHash: res.Record.ContentHash, Now: t0,
	}))

	closed := newRecord("1", "X")
	closed.Status = types.StatusClosed
	res, err = s.UpsertRecord(ctx, closed, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.SyncUpdated, res.Record.SyncStatus)
	assert.EqualValues(t, 42, res.Record.RemoteID)

	// A non-closing edit leaves sync_status to the processor.
	other, err := s.UpsertRecord(ctx, newRecord("2", "X"), t0)
	require.NoError(t, err)
	edit := newRecord("2", "X")
	edit.Description = "changed"
	res, err = s.UpsertRecord(ctx, edit, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, other.Record.SyncStatus, res.Record.SyncStatus)
}

func TestMarkSyncedLeavesUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)
	id := res.Record.ID

	require.NoError(t, s.MarkSyncFailed(ctx, id, "boom", t0))
	got, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncFailed, got.SyncStatus)
	assert.Equal(t, "boom", got.LastSyncError)

	require.NoError(t, s.MarkSynced(ctx, id, storage.SyncMetadata{
		RemoteID: 7, RemoteURL: "u", SyncedHash: res.Record.ContentHash,
		Labels: []string{"b", "a", "a"}, Now: t0.Add(time.Hour),
	}))
	got, err = s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SyncSynced, got.SyncStatus)
	assert.EqualValues(t, 7, got.RemoteID)
	assert.Equal(t, "u", got.RemoteURL)
	assert.Equal(t, []string{"a", "b"}, got.RemoteLabels)
	assert.Empty(t, got.LastSyncError)
	assert.Equal(t, res.Record.ContentHash, got.SyncedHash)
	require.NotNil(t, got.LastSyncTime)
	assert.True(t, got.LastSyncTime.Equal(t0.Add(time.Hour)))
	assert.True(t, got.UpdatedAt.Equal(t0))
}

func TestApplyRemoteProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.UpsertRecord(ctx, newRecord("1", "X"), t0)
	require.NoError(t, err)
	id := res.Record.ID

	changed, err := s.ApplyRemoteProgress(ctx, id, storage.RemoteProgress{Progress: "Doing", Labels: []string{"progress::Doing"}}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.ApplyRemoteProgress(ctx, id, storage.RemoteProgress{Progress: "Doing", Labels: []string{"progress::Doing"}}, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Doing", got.RemoteProgress)
	assert.Equal(t, res.Record.ContentHash, got.ContentHash)
	assert.Equal(t, fingerprint.Hash(got), got.ContentHash)
	assert.True(t, got.UpdatedAt.Equal(t0), "remote-origin write must not bump updated_at")

	_, err = s.ApplyRemoteProgress(ctx, 999, storage.RemoteProgress{}, t0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListRecordsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i, serial := range []string{"1", "2", "3"} {
		res, err := s.UpsertRecord(ctx, newRecord(serial, "X"), t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		ids = append(ids, res.Record.ID)
	}
	require.NoError(t, s.MarkSynced(ctx, ids[1], storage.SyncMetadata{RemoteID: 5, Now: t0}))

	since := t0
	recs, err := s.ListRecords(ctx, storage.RecordFilter{UpdatedSince: &since})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = s.ListRecords(ctx, storage.RecordFilter{LinkedOnly: true, SyncStatus: types.SyncSynced})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[1], recs[0].ID)

	recs, err = s.ListRecords(ctx, storage.RecordFilter{AfterID: ids[0], Limit: 1})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ids[1], recs[0].ID)

	_, err = s.GetRecord(ctx, 12345)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRecordByKey(ctx, types.NaturalKey{SerialNumber: "9", ProjectName: "X"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
