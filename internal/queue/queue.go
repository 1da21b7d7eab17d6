// Package queue is the sync queue service: dedup enqueue, priority claims,
// completion and failure with capped exponential backoff, the stuck-item
// reaper and retention cleanup. Persistence is delegated to storage.Storage.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

// Default retry policy.
const (
	DefaultBaseDelay  = 60 * time.Second
	DefaultMaxDelay   = 300 * time.Second
	DefaultMaxRetries = 3
)

// maxErrorLen bounds stored error messages.
const maxErrorLen = 2000

// Policy controls retries of failed items.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy returns base 60s, cap 300s, three retries.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxRetries: DefaultMaxRetries}
}

// Backoff returns min(MaxDelay, BaseDelay * 2^n).
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		if d >= p.MaxDelay || d > p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Option configures a Queue.
type Option func(*Queue)

// WithPolicy sets the retry policy.
func WithPolicy(p Policy) Option {
	return func(q *Queue) {
		if p.BaseDelay > 0 {
			q.policy.BaseDelay = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			q.policy.MaxDelay = p.MaxDelay
		}
		if p.MaxRetries >= 0 {
			q.policy.MaxRetries = p.MaxRetries
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// Queue is the sync queue service.
type Queue struct {
	store  storage.Storage
	policy Policy
	now    func() time.Time
	log    *slog.Logger
}

// New creates a queue service over store.
func New(store storage.Storage, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue")
	return q
}

// Now returns the queue's clock reading.
func (q *Queue) Now() time.Time {
	return q.now()
}

// Policy returns the effective retry policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// Enqueue adds work for a record, merging into an active item for the
// same action. The boolean reports whether a new item was created; a
// merge is not an error.
func (q *Queue) Enqueue(ctx context.Context, recordID int64, action types.Action, priority int, metadata map[string]string) (*types.QueueItem, bool, error) {
	it, created, err := q.store.Enqueue(ctx, storage.EnqueueParams{
		RecordID:   recordID,
		Action:     action,
		Priority:   ClampPriority(priority),
		MaxRetries: q.policy.MaxRetries,
		Metadata:   metadata,
		Now:        q.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		q.log.Debug("enqueued", "item", it.ID, "record", recordID, "action", action, "priority", it.Priority)
	} else {
		q.log.Debug("merged into active item", "item", it.ID, "record", recordID, "action", action, "priority", it.Priority)
	}
	return it, created, nil
}

// ClaimBatch claims up to limit ready items with priority <= maxPriority.
func (q *Queue) ClaimBatch(ctx context.Context, limit, maxPriority int) ([]*types.QueueItem, error) {
	return q.store.ClaimBatch(ctx, storage.ClaimParams{Limit: limit, MaxPriority: maxPriority, Now: q.now()})
}

// Claim claims one specific item. It returns nil when the item is not
// claimable, for example because a processor already holds it.
func (q *Queue) Claim(ctx context.Context, itemID int64) (*types.QueueItem, error) {
	items, err := q.store.ClaimBatch(ctx, storage.ClaimParams{ItemID: itemID, Now: q.now()})
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// MarkCompleted finishes a claimed item. storage.ErrStaleClaim means the
// claim was lost; callers treat it as a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, it *types.QueueItem) (*storage.CompleteResult, error) {
	return q.store.CompleteItem(ctx, it.ID, it.ClaimToken, q.now())
}

// MarkFailed records a failed attempt and schedules a retry when allowed.
func (q *Queue) MarkFailed(ctx context.Context, it *types.QueueItem, cause error, retryable bool) (*types.QueueItem, error) {
	msg := "unknown error"
	if cause != nil {
		msg = truncateMessage(cause.Error())
	}
	return q.store.FailItem(ctx, it.ID, it.ClaimToken, storage.FailParams{
		Error:     msg,
		Retryable: retryable,
		Now:       q.now(),
		Backoff:   q.policy.Backoff,
	})
}

// Release returns a claimed item to the queue without spending a retry,
// for attempts cut short by shutdown.
func (q *Queue) Release(ctx context.Context, it *types.QueueItem) (*types.QueueItem, error) {
	return q.store.ReleaseItem(ctx, it.ID, it.ClaimToken, q.now())
}

// Supersede cancels unclaimed items of action for a record.
func (q *Queue) Supersede(ctx context.Context, recordID int64, action types.Action, reason string) (int, error) {
	return q.store.CancelActive(ctx, recordID, action, reason, q.now())
}

// Reap requeues items stuck in processing for longer than leaseTimeout.
func (q *Queue) Reap(ctx context.Context, leaseTimeout time.Duration) (*storage.ReapResult, error) {
	if leaseTimeout <= 0 {
		return nil, fmt.Errorf("lease timeout must be positive")
	}
	now := q.now()
	res, err := q.store.ReapStale(ctx, now.Add(-leaseTimeout), now)
	if err != nil {
		return res, err
	}
	if res.Requeued+res.Failed > 0 {
		q.log.Info("reaped stuck items", "requeued", res.Requeued, "failed", res.Failed, "lease_timeout", leaseTimeout)
	}
	return res, nil
}

// CleanupResult counts rows removed by Cleanup.
type CleanupResult struct {
	Items        int64
	ChangeEvents int64
}

// Cleanup deletes finished items and change events older than retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (*CleanupResult, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	cutoff := q.now().Add(-retention)
	items, err := q.store.DeleteFinishedItems(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	events, err := q.store.DeleteChangeEvents(ctx, cutoff)
	if err != nil {
		return &CleanupResult{Items: items}, err
	}
	res := &CleanupResult{Items: items, ChangeEvents: events}
	q.log.Info("cleaned up queue", "items", items, "change_events", events, "cutoff", cutoff)
	return res, nil
}

// Summary counts items per status and action.
func (q *Queue) Summary(ctx context.Context) (*types.QueueSummary, error) {
	return q.store.QueueSummary(ctx)
}

// IsStaleClaim reports whether err means the caller lost its claim.
func IsStaleClaim(err error) bool {
	return errors.Is(err, storage.ErrStaleClaim)
}

func truncateMessage(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
