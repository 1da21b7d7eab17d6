package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/storage/sqlstore"
	"github.com/issuebridge/issuebridge/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T) (*Queue, *fakeClock, *sqlstore.Store) {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), &sqlstore.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "queue.db"),
		Logger: slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	return New(store, WithClock(clock.Now), WithLogger(slog.New(slog.DiscardHandler))), clock, store
}

func TestBackoff(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{-1, 60 * time.Second},
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 300 * time.Second},
		{10, 300 * time.Second},
		{200, 300 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.n), "backoff(%d)", tt.n)
	}

	custom := Policy{BaseDelay: time.Second, MaxDelay: time.Hour}
	assert.Equal(t, 8*time.Second, custom.Backoff(3))
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		action   types.Action
		severity int
		want     int
	}{
		{types.ActionClose, 0, 2},
		{types.ActionCreate, 2, 3},
		{types.ActionUpdate, 0, 4},
		{types.ActionSyncProgress, 0, 5},
		{types.ActionCreate, 3, 2},
		{types.ActionCreate, 4, 2},
		{types.ActionClose, 4, 1},
		{types.ActionUpdate, 1, 5},
		{types.ActionSyncProgress, 1, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PriorityFor(tt.action, tt.severity), "%s/%d", tt.action, tt.severity)
	}
	assert.Equal(t, MinPriority, ClampPriority(-4))
	assert.Equal(t, MaxPriority, ClampPriority(99))
}

func TestWithPolicyOverrides(t *testing.T) {
	q := New(nil, WithPolicy(Policy{BaseDelay: 10 * time.Second, MaxRetries: 5}))
	assert.Equal(t, 10*time.Second, q.Policy().BaseDelay)
	assert.Equal(t, DefaultMaxDelay, q.Policy().MaxDelay)
	assert.Equal(t, 5, q.Policy().MaxRetries)
}

func TestEnqueueTwiceYieldsOneItem(t *testing.T) {
	q, _, store := newTestQueue(t)
	ctx := context.Background()

	a, created, err := q.Enqueue(ctx, 1, types.ActionUpdate, 4, nil)
	require.NoError(t, err)
	assert.True(t, created)
	b, created, err := q.Enqueue(ctx, 1, types.ActionUpdate, 4, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, DefaultMaxRetries, a.MaxRetries)

	items, err := store.ListQueueItems(ctx, storage.QueueFilter{RecordID: 1, Action: types.ActionUpdate})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestFailureLifecycleFollowsPolicy(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, 1, types.ActionCreate, PriorityCreate, nil)
	require.NoError(t, err)

	var last time.Time
	var gaps []time.Duration
	for {
		claimed, err := q.ClaimBatch(ctx, 10, MaxPriority)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		got, err := q.MarkFailed(ctx, claimed[0], errors.New("connection refused"), true)
		require.NoError(t, err)
		if got.Status == types.QueueFailed {
			assert.Equal(t, DefaultMaxRetries, got.RetryCount)
			break
		}
		gap := got.ScheduledAt.Sub(clock.Now())
		if !last.IsZero() {
			assert.Greater(t, gap, gaps[len(gaps)-1])
		}
		gaps = append(gaps, gap)
		last = got.ScheduledAt
		clock.t = got.ScheduledAt
	}
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, gaps)
}

func TestMarkCompletedStaleClaim(t *testing.T) {
	q, clock, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, 1, types.ActionCreate, PriorityCreate, nil)
	require.NoError(t, err)
	claimed, err := q.ClaimBatch(ctx, 1, MaxPriority)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.Advance(time.Hour)
	res, err := q.Reap(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	_, err = q.MarkCompleted(ctx, claimed[0])
	assert.True(t, IsStaleClaim(err))
	_, err = q.MarkFailed(ctx, claimed[0], errors.New("late"), true)
	assert.True(t, IsStaleClaim(err))
}

func TestClaimSpecific(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	it, _, err := q.Enqueue(ctx, 1, types.ActionCreate, PriorityCreate, nil)
	require.NoError(t, err)
	got, err := q.Claim(ctx, it.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.QueueProcessing, got.Status)

	again, err := q.Claim(ctx, it.ID)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestCleanupRemovesOldFinishedWork(t *testing.T) {
	q, clock, store := newTestQueue(t)
	ctx := context.Background()

	it, _, err := q.Enqueue(ctx, 1, types.ActionCreate, PriorityCreate, nil)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, it.ID)
	require.NoError(t, err)
	_, err = q.MarkCompleted(ctx, claimed)
	require.NoError(t, err)
	require.NoError(t, store.AppendChangeEvents(ctx, []types.ChangeEvent{{RecordID: 1, Field: "status", CreatedAt: clock.Now()}}))

	_, err = q.Cleanup(ctx, 0)
	assert.Error(t, err)

	res, err := q.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Items)

	clock.Advance(8 * 24 * time.Hour)
	res, err = q.Cleanup(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Items)
	assert.EqualValues(t, 1, res.ChangeEvents)
}

func TestSupersede(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, _, err := q.Enqueue(ctx, 1, types.ActionUpdate, PriorityUpdate, nil)
	require.NoError(t, err)
	n, err := q.Supersede(ctx, 1, types.ActionUpdate, "superseded by close")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sum, err := q.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ByStatus[types.QueueCompleted])
}

func TestTruncateMessage(t *testing.T) {
	assert.Equal(t, "short", truncateMessage("short"))
	long := strings.Repeat("错", maxErrorLen)
	got := truncateMessage(long)
	assert.LessOrEqual(t, len(got), maxErrorLen+len("…"))
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestReapRequiresPositiveLease(t *testing.T) {
	q, _, _ := newTestQueue(t)
	_, err := q.Reap(context.Background(), 0)
	assert.Error(t, err)
}
