package syncer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/audit"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/testutil/teststore"
	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/tracker/trackertest"
	"github.com/issuebridge/issuebridge/internal/types"
)

func newSyncer(env *teststore.Env, fake *trackertest.Fake) *Syncer {
	return New(env.Store, fake,
		WithClock(env.Clock()),
		WithLogger(env.Logger()),
		WithRecorder(audit.NewRecorder(env.Store, nil, env.Logger())),
	)
}

func TestSyncOneCreateLinksRecord(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")

	ref, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)
	require.NotNil(t, ref)

	got := env.Record(rec.ID)
	assert.Equal(t, ref.ID, got.RemoteID)
	assert.Equal(t, trackertest.URL(ref.ID), got.RemoteURL)
	assert.Equal(t, types.SyncSynced, got.SyncStatus)
	assert.Equal(t, got.ContentHash, got.SyncedHash)
	assert.Equal(t, []string{trackertest.LabelToDo}, got.RemoteLabels)
	assert.True(t, got.UpdatedAt.Equal(rec.UpdatedAt), "sync metadata must not bump updated_at")
}

func TestSyncOneCreateOnLinkedRecordUpdates(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")
	_, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)

	_, err = s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Calls(trackertest.OpCreate))
	assert.Equal(t, 1, fake.Calls(trackertest.OpUpdate))
	assert.Equal(t, 1, fake.Len())
}

func TestSyncOneUpdateAndClose(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")
	ref, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)

	edited := env.Record(rec.ID)
	edited.Description = "edited"
	env.Upsert(edited)
	_, err = s.SyncOne(env.Ctx, rec.ID, types.ActionUpdate)
	require.NoError(t, err)
	is, _ := fake.Issue(ref.ID)
	assert.Equal(t, "edited", is.Description)
	got := env.Record(rec.ID)
	assert.Equal(t, got.ContentHash, got.SyncedHash)

	env.SetStatus(rec.ID, types.StatusClosed)
	_, err = s.SyncOne(env.Ctx, rec.ID, types.ActionClose)
	require.NoError(t, err)
	is, _ = fake.Issue(ref.ID)
	assert.True(t, is.Closed)
	assert.Contains(t, is.Labels, trackertest.LabelDone)
	env.AssertSyncStatus(rec.ID, types.SyncSynced)
}

func TestSyncOneCloseUnlinkedIsNoop(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.Upsert(&types.Record{SerialNumber: "1", ProjectName: "Alpha", Status: types.StatusClosed})

	ref, err := s.SyncOne(env.Ctx, rec.ID, types.ActionClose)
	require.NoError(t, err)
	assert.Nil(t, ref)
	ref, err = s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)
	assert.Nil(t, ref)
	assert.Equal(t, 0, fake.Len())
}

func TestSyncOneResolvesRemoteIDFromURL(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")
	ref, err := fake.CreateIssue(env.Ctx, rec)
	require.NoError(t, err)

	id, ok := s.RemoteID(&types.Record{RemoteURL: trackertest.URL(ref.ID)})
	assert.True(t, ok)
	assert.Equal(t, ref.ID, id)
	_, ok = s.RemoteID(&types.Record{})
	assert.False(t, ok)
}

func TestSyncOnePermanentFailureMarksRecord(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")

	fake.FailNext(trackertest.OpCreate, tracker.Rejected("create issue", 422, "title is too long"))
	_, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.Error(t, err)
	assert.False(t, tracker.IsRetryable(err))
	got := env.Record(rec.ID)
	assert.Equal(t, types.SyncFailed, got.SyncStatus)
	assert.Contains(t, got.LastSyncError, "title is too long")
}

func TestSyncOneTransientFailureLeavesRecord(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")

	fake.FailNext(trackertest.OpCreate, tracker.Unavailable("create issue", errors.New("connection refused")))
	_, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.Error(t, err)
	assert.True(t, tracker.IsRetryable(err))
	env.AssertSyncStatus(rec.ID, types.SyncPending)
}

func TestSyncOneMissingRecord(t *testing.T) {
	env := teststore.NewEnv(t)
	s := newSyncer(env, trackertest.New())
	_, err := s.SyncOne(env.Ctx, 999, types.ActionCreate)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSyncProgressAppliesRemoteState(t *testing.T) {
	env := teststore.NewEnv(t)
	fake := trackertest.New()
	s := newSyncer(env, fake)
	rec := env.CreateRecord("1", "Alpha")
	ref, err := s.SyncOne(env.Ctx, rec.ID, types.ActionCreate)
	require.NoError(t, err)
	before := env.Record(rec.ID)

	fake.SetProgress(ref.ID, trackertest.LabelDoing)
	_, err = s.SyncOne(env.Ctx, rec.ID, types.ActionSyncProgress)
	require.NoError(t, err)

	got := env.Record(rec.ID)
	assert.Equal(t, trackertest.LabelDoing, got.RemoteProgress)
	assert.Equal(t, before.ContentHash, got.ContentHash)
	assert.True(t, got.UpdatedAt.Equal(before.UpdatedAt))

	events, err := env.Store.ListChangeEvents(env.Ctx, rec.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, audit.FieldRemoteProgress, last.Field)
	assert.Equal(t, types.OriginRemote, last.Origin)

	changed, err := s.PullProgress(env.Ctx, env.Record(rec.ID))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.PullProgress(env.Ctx, env.CreateRecord("2", "Alpha"))
	assert.ErrorIs(t, err, ErrNotLinked)
}
