// Package storage defines the persistence contract of the sync engine.
//
// The concrete implementation lives in the sqlstore sub-package. This
// package holds the interface, parameter types and sentinel errors that
// are shared by sqlstore and its consumers (queue, detector, processor,
// reconcile, ingest).
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/issuebridge/issuebridge/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrStaleClaim is returned when a processor completes or fails an item it
// no longer owns, because the item was reaped or already finished.
var ErrStaleClaim = errors.New("stale claim")

// ErrDataIntegrity is returned when an upsert's natural key is inconsistent
// with the stored rows. Nothing is written.
var ErrDataIntegrity = errors.New("data integrity violation")

// UpsertOutcome reports what UpsertRecord did.
type UpsertOutcome string

// Upsert outcomes
const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult carries the stored record after an upsert and, for
// updates, the row as it was before.
type UpsertResult struct {
	Outcome  UpsertOutcome
	Record   *types.Record
	Previous *types.Record
}

// RecordFilter selects records for scans. Results are ordered by id.
type RecordFilter struct {
	UpdatedSince *time.Time // updated_at strictly after
	LinkedOnly   bool       // remote_id or remote_url set
	SyncStatus   types.SyncStatus
	AfterID      int64 // keyset pagination
	Limit        int
}

// SyncMetadata is written to a record after a successful remote call.
type SyncMetadata struct {
	RemoteID   int64
	RemoteURL  string
	SyncedHash string
	Labels     []string // nil keeps the stored labels
	Now        time.Time
}

// RemoteProgress is remote-origin state pulled back into a record.
type RemoteProgress struct {
	Progress string
	Labels   []string
}

// EnqueueParams describes one enqueue request.
type EnqueueParams struct {
	RecordID   int64
	Action     types.Action
	Priority   int
	MaxRetries int
	Metadata   map[string]string
	Now        time.Time
}

// ClaimParams bounds a claim. When ItemID is set only that item is
// claimed, regardless of priority. It must still be due and its record
// must have no other item processing.
type ClaimParams struct {
	Limit       int
	MaxPriority int
	Now         time.Time
	ItemID      int64
}

// FailParams describes a failed attempt. Backoff maps the retry count
// before the increment to the delay until the next attempt.
type FailParams struct {
	Error     string
	Retryable bool
	Now       time.Time
	Backoff   func(retryCount int) time.Duration
}

// CompleteResult says whether a completed item was put back in the queue
// because new work was merged into it while it was processing.
type CompleteResult struct {
	Requeued bool
}

// ReapResult counts items recovered by ReapStale.
type ReapResult struct {
	Requeued int
	Failed   int
}

// QueueFilter selects queue items for listing.
type QueueFilter struct {
	RecordID int64
	Status   []types.QueueStatus
	Action   types.Action
	Limit    int
}

// Storage is the interface satisfied by *sqlstore.Store.
type Storage interface {
	// Records
	UpsertRecord(ctx context.Context, rec *types.Record, now time.Time) (*UpsertResult, error)
	GetRecord(ctx context.Context, id int64) (*types.Record, error)
	GetRecordByKey(ctx context.Context, key types.NaturalKey) (*types.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*types.Record, error)
	MarkSynced(ctx context.Context, id int64, meta SyncMetadata) error
	MarkSyncFailed(ctx context.Context, id int64, msg string, now time.Time) error
	ApplyRemoteProgress(ctx context.Context, id int64, p RemoteProgress, now time.Time) (bool, error)

	// Queue
	Enqueue(ctx context.Context, p EnqueueParams) (*types.QueueItem, bool, error)
	ClaimBatch(ctx context.Context, p ClaimParams) ([]*types.QueueItem, error)
	CompleteItem(ctx context.Context, id int64, token string, now time.Time) (*CompleteResult, error)
	FailItem(ctx context.Context, id int64, token string, p FailParams) (*types.QueueItem, error)
	ReleaseItem(ctx context.Context, id int64, token string, now time.Time) (*types.QueueItem, error)
	CancelActive(ctx context.Context, recordID int64, action types.Action, reason string, now time.Time) (int, error)
	ReapStale(ctx context.Context, claimedBefore, now time.Time) (*ReapResult, error)
	DeleteFinishedItems(ctx context.Context, before time.Time) (int64, error)
	GetQueueItem(ctx context.Context, id int64) (*types.QueueItem, error)
	ListQueueItems(ctx context.Context, filter QueueFilter) ([]*types.QueueItem, error)
	QueueSummary(ctx context.Context) (*types.QueueSummary, error)

	// Change audit
	AppendChangeEvents(ctx context.Context, events []types.ChangeEvent) error
	ListChangeEvents(ctx context.Context, recordID int64) ([]types.ChangeEvent, error)
	DeleteChangeEvents(ctx context.Context, before time.Time) (int64, error)

	// Statistics
	RecordStat(ctx context.Context, at time.Time, action types.Action, success bool, dur time.Duration) error
	ListStats(ctx context.Context, since time.Time) ([]types.DailyStat, error)

	// Metadata
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// Lifecycle
	Close() error
}
