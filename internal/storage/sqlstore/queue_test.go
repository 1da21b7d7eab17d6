package sqlstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

func enqueue(t *testing.T, s *Store, recordID int64, action types.Action, priority int, now time.Time) *types.QueueItem {
	t.Helper()
	it, _, err := s.Enqueue(context.Background(), storage.EnqueueParams{
		RecordID: recordID, Action: action, Priority: priority, MaxRetries: 3, Now: now,
	})
	require.NoError(t, err)
	return it
}

func claimAll(t *testing.T, s *Store, now time.Time) []*types.QueueItem {
	t.Helper()
	items, err := s.ClaimBatch(context.Background(), storage.ClaimParams{Limit: 100, MaxPriority: 10, Now: now})
	require.NoError(t, err)
	return items
}

func exponential(n int) time.Duration {
	d := time.Minute << n
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func TestEnqueueIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: types.ActionUpdate, Priority: 4, MaxRetries: 3, Now: t0})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: types.ActionUpdate, Priority: 4, MaxRetries: 3, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	items, err := s.ListQueueItems(ctx, storage.QueueFilter{RecordID: 1})
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// A different action is a different slot.
	other := enqueue(t, s, 1, types.ActionClose, 2, t0)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueueKeepsMinimumPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionUpdate, 4, t0)

	lower := enqueue(t, s, 1, types.ActionUpdate, 6, t0.Add(time.Second))
	assert.Equal(t, it.ID, lower.ID)
	assert.Equal(t, 4, lower.Priority)

	higher := enqueue(t, s, 1, types.ActionUpdate, 2, t0.Add(time.Second))
	assert.Equal(t, 2, higher.Priority)

	// Put the item into retry with a future schedule, then improve priority.
	claimed := claimAll(t, s, t0.Add(2*time.Second))
	require.Len(t, claimed, 1)
	failed, err := s.FailItem(ctx, it.ID, claimed[0].ClaimToken, storage.FailParams{
		Error: "timeout", Retryable: true, Now: t0.Add(3 * time.Second), Backoff: exponential,
	})
	require.NoError(t, err)
	assert.Equal(t, types.QueueRetry, failed.Status)
	assert.True(t, failed.ScheduledAt.After(t0.Add(time.Minute)))

	pulled := enqueue(t, s, 1, types.ActionUpdate, 1, t0.Add(4*time.Second))
	assert.Equal(t, 1, pulled.Priority)
	assert.True(t, pulled.ScheduledAt.Equal(t0.Add(4*time.Second)))
}

func TestClaimBatchOrderAndBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, 1, types.ActionUpdate, 4, t0)
	b := enqueue(t, s, 2, types.ActionCreate, 3, t0.Add(time.Second))
	c := enqueue(t, s, 3, types.ActionCreate, 3, t0.Add(2*time.Second))
	enqueue(t, s, 4, types.ActionSyncProgress, 5, t0)

	items, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 10, MaxPriority: 4, Now: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []int64{b.ID, c.ID, a.ID}, []int64{items[0].ID, items[1].ID, items[2].ID})
	for _, it := range items {
		assert.Equal(t, types.QueueProcessing, it.Status)
		assert.NotEmpty(t, it.ClaimToken)
		require.NotNil(t, it.ClaimedAt)
	}

	// Priority 5 item is still pending.
	rest := claimAll(t, s, t0.Add(time.Minute))
	require.Len(t, rest, 1)
	assert.Equal(t, types.ActionSyncProgress, rest[0].Action)
}

func TestClaimBatchRespectsScheduleAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		enqueue(t, s, i, types.ActionCreate, 3, t0)
	}
	items, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 2, MaxPriority: 10, Now: t0})
	require.NoError(t, err)
	assert.Len(t, items, 2)

	none, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 10, MaxPriority: 10, Now: t0.Add(-time.Second)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatchOnePerRecord(t *testing.T) {
	s := newTestStore(t)

	enqueue(t, s, 1, types.ActionUpdate, 4, t0)
	closeItem := enqueue(t, s, 1, types.ActionClose, 2, t0)

	items := claimAll(t, s, t0)
	require.Len(t, items, 1)
	assert.Equal(t, closeItem.ID, items[0].ID)

	// While the close is processing the update stays put.
	assert.Empty(t, claimAll(t, s, t0))
}

func TestConcurrentClaimsAreDisjoint(t *testing.T) {
	s := newTestStore(t)
	const n = 40
	for i := int64(1); i <= n; i++ {
		enqueue(t, s, i, types.ActionCreate, 3, t0)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[int64]int{}
		total   int
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := s.ClaimBatch(context.Background(), storage.ClaimParams{Limit: 3, MaxPriority: 10, Now: t0})
				if !assert.NoError(t, err) || len(items) == 0 {
					return
				}
				mu.Lock()
				for _, it := range items {
					claimed[it.ID]++
					total++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, total)
	assert.Len(t, claimed, n)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "item %d claimed more than once", id)
	}
}

func TestClaimSpecificItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Priority 9 is below any batch filter; a claim by id ignores priority.
	it := enqueue(t, s, 1, types.ActionCreate, 9, t0)
	items, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: it.ID, Now: t0})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, it.ID, items[0].ID)

	again, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: it.ID, Now: t0})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimSpecificItemWaitsForSiblingAndSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	upd := enqueue(t, s, 7, types.ActionUpdate, 4, t0)
	running := claimAll(t, s, t0)
	require.Len(t, running, 1)
	closeItem := enqueue(t, s, 7, types.ActionClose, 2, t0)

	assert.Empty(t, claimAll(t, s, t0), "batch claim while update processing")
	byID, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: closeItem.ID, Now: t0})
	require.NoError(t, err)
	assert.Empty(t, byID, "claim by id while update processing")

	busy, err := s.ListQueueItems(ctx, storage.QueueFilter{RecordID: 7, Status: []types.QueueStatus{types.QueueProcessing}})
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, upd.ID, busy[0].ID)

	// Fail the update into a backed-off retry; the close becomes free.
	_, err = s.FailItem(ctx, upd.ID, running[0].ClaimToken, storage.FailParams{
		Error: "timeout", Retryable: true, Now: t0, Backoff: exponential,
	})
	require.NoError(t, err)
	byID, err = s.ClaimBatch(ctx, storage.ClaimParams{ItemID: closeItem.ID, Now: t0})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	_, err = s.CompleteItem(ctx, closeItem.ID, byID[0].ClaimToken, t0)
	require.NoError(t, err)

	// The retry is not due yet, so a claim by id must not cut its backoff short.
	early, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: upd.ID, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, early)
	due, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: upd.ID, Now: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestCompleteItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	claimed := claimAll(t, s, t0)
	require.Len(t, claimed, 1)

	_, err := s.CompleteItem(ctx, it.ID, "not-my-token", t0)
	assert.ErrorIs(t, err, storage.ErrStaleClaim)

	res, err := s.CompleteItem(ctx, it.ID, claimed[0].ClaimToken, t0.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Requeued)

	got, err := s.GetQueueItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueCompleted, got.Status)
	require.NotNil(t, got.ProcessedAt)

	_, err = s.CompleteItem(ctx, it.ID, claimed[0].ClaimToken, t0.Add(2*time.Second))
	assert.ErrorIs(t, err, storage.ErrStaleClaim)

	// The slot is free again.
	next, created, err := s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: types.ActionCreate, Priority: 3, MaxRetries: 3, Now: t0})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, it.ID, next.ID)
}

func TestEnqueueDuringProcessingRequeues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionUpdate, 4, t0)
	claimed := claimAll(t, s, t0)
	require.Len(t, claimed, 1)

	merged, created, err := s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: types.ActionUpdate, Priority: 4, MaxRetries: 3, Now: t0.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, it.ID, merged.ID)

	res, err := s.CompleteItem(ctx, it.ID, claimed[0].ClaimToken, t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Requeued)

	got, err := s.GetQueueItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueuePending, got.Status)
	assert.Empty(t, got.ClaimToken)

	again := claimAll(t, s, t0.Add(3*time.Second))
	require.Len(t, again, 1)
	res, err = s.CompleteItem(ctx, it.ID, again[0].ClaimToken, t0.Add(4*time.Second))
	require.NoError(t, err)
	assert.False(t, res.Requeued)
}

func TestBackoffMonotonicUntilTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	now := t0
	var delays []time.Duration
	for attempt := 0; ; attempt++ {
		claimed, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 1, MaxPriority: 10, Now: now})
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		got, err := s.FailItem(ctx, it.ID, claimed[0].ClaimToken, storage.FailParams{
			Error: "503 Service Unavailable", Retryable: true, Now: now, Backoff: exponential,
		})
		require.NoError(t, err)
		if got.Status == types.QueueFailed {
			assert.Equal(t, got.MaxRetries, got.RetryCount)
			assert.Equal(t, "503 Service Unavailable", got.ErrorMessage)
			break
		}
		require.Equal(t, types.QueueRetry, got.Status)
		assert.Equal(t, attempt+1, got.RetryCount)
		delays = append(delays, got.ScheduledAt.Sub(now))

		// Not claimable before the backoff elapses.
		early, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 1, MaxPriority: 10, Now: got.ScheduledAt.Add(-time.Millisecond)})
		require.NoError(t, err)
		assert.Empty(t, early)
		now = got.ScheduledAt
	}
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}, delays)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	claimed := claimAll(t, s, t0)
	got, err := s.FailItem(ctx, it.ID, claimed[0].ClaimToken, storage.FailParams{Error: "400 title is too long", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, types.QueueFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)

	_, err = s.FailItem(ctx, it.ID, claimed[0].ClaimToken, storage.FailParams{Error: "again", Now: t0})
	assert.True(t, errors.Is(err, storage.ErrStaleClaim))
}

func TestReapStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stuck := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	fresh := enqueue(t, s, 2, types.ActionCreate, 3, t0)

	_, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: stuck.ID, Now: t0})
	require.NoError(t, err)
	freshClaim, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: fresh.ID, Now: t0.Add(10 * time.Minute)})
	require.NoError(t, err)

	now := t0.Add(12 * time.Minute)
	res, err := s.ReapStale(ctx, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 0, res.Failed)

	got, err := s.GetQueueItem(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueRetry, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "lease expired", got.ErrorMessage)

	still, err := s.GetQueueItem(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueProcessing, still.Status)
	_, err = s.CompleteItem(ctx, fresh.ID, freshClaim[0].ClaimToken, now)
	require.NoError(t, err)

	// The reaped item can be claimed again right away.
	again := claimAll(t, s, now)
	require.Len(t, again, 1)
	assert.Equal(t, stuck.ID, again[0].ID)
}

func TestReapExhaustedItemFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it, _, err := s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: types.ActionCreate, Priority: 3, MaxRetries: 0, Now: t0})
	require.NoError(t, err)
	claimAll(t, s, t0)

	res, err := s.ReapStale(ctx, t0.Add(time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	got, err := s.GetQueueItem(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueFailed, got.Status)
}

func TestCancelActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	upd := enqueue(t, s, 1, types.ActionUpdate, 4, t0)
	n, err := s.CancelActive(ctx, 1, types.ActionUpdate, "superseded by close", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetQueueItem(ctx, upd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueCompleted, got.Status)
	assert.Equal(t, "superseded by close", got.ErrorMessage)

	n, err = s.CancelActive(ctx, 1, types.ActionUpdate, "superseded by close", t0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteFinishedItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	done := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	pending := enqueue(t, s, 2, types.ActionCreate, 3, t0)
	claimed, err := s.ClaimBatch(ctx, storage.ClaimParams{ItemID: done.ID, Now: t0})
	require.NoError(t, err)
	_, err = s.CompleteItem(ctx, done.ID, claimed[0].ClaimToken, t0)
	require.NoError(t, err)

	n, err := s.DeleteFinishedItems(ctx, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.DeleteFinishedItems(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetQueueItem(ctx, done.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetQueueItem(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestQueueSummaryAndMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Enqueue(ctx, storage.EnqueueParams{
		RecordID: 1, Action: types.ActionCreate, Priority: 3, MaxRetries: 3, Now: t0,
		Metadata: map[string]string{"source": "upload"},
	})
	require.NoError(t, err)
	enqueue(t, s, 2, types.ActionCreate, 3, t0)
	enqueue(t, s, 2, types.ActionClose, 2, t0)
	claimed, err := s.ClaimBatch(ctx, storage.ClaimParams{Limit: 1, MaxPriority: 10, Now: t0})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	sum, err := s.QueueSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ByStatus[types.QueuePending])
	assert.Equal(t, 1, sum.ByStatus[types.QueueProcessing])
	assert.Equal(t, 1, sum.ByAction[types.ActionClose][types.QueueProcessing])

	items, err := s.ListQueueItems(ctx, storage.QueueFilter{RecordID: 1})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, map[string]string{"source": "upload"}, items[0].Metadata)

	_, _, err = s.Enqueue(ctx, storage.EnqueueParams{RecordID: 1, Action: "delete", Now: t0})
	assert.ErrorContains(t, err, "invalid action")
}

func TestReleaseItemKeepsRetryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	it := enqueue(t, s, 1, types.ActionCreate, 3, t0)
	claimed := claimAll(t, s, t0)
	require.Len(t, claimed, 1)

	got, err := s.ReleaseItem(ctx, it.ID, claimed[0].ClaimToken, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.QueuePending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ClaimToken)
	assert.True(t, got.ScheduledAt.Equal(t0.Add(time.Second)))

	_, err = s.ReleaseItem(ctx, it.ID, claimed[0].ClaimToken, t0)
	assert.True(t, errors.Is(err, storage.ErrStaleClaim))

	again := claimAll(t, s, t0.Add(time.Second))
	require.Len(t, again, 1)
	assert.Equal(t, it.ID, again[0].ID)
}
