// Package teststore provides SQLite-backed test helpers for packages that
// sit on top of storage.Storage.
//
// Every store is a fresh database file in the test's temp directory and is
// closed automatically when the test completes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := teststore.NewEnv(t)
//	    rec := env.CreateRecord("17", "Alpha")
//	    env.AssertSyncStatus(rec.ID, types.SyncPending)
//	}
package teststore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/storage/sqlstore"
	"github.com/issuebridge/issuebridge/internal/types"
)

// Epoch is the default clock reading of an Env.
var Epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// New creates an isolated SQLite store for a single test.
func New(t testing.TB) *sqlstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ib.db") + "?_pragma=busy_timeout(5000)"
	store, err := sqlstore.Open(context.Background(), &sqlstore.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("teststore: open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Env provides a test environment with a store, a controllable clock and
// record helpers.
type Env struct {
	t     testing.TB
	Store storage.Storage
	Ctx   context.Context
	now   time.Time
}

// NewEnv creates a new test environment whose clock starts at Epoch.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	return &Env{t: t, Store: New(t), Ctx: context.Background(), now: Epoch}
}

// Now returns the environment clock.
func (e *Env) Now() time.Time { return e.now }

// Clock returns a func reading the environment clock, for WithClock options.
func (e *Env) Clock() func() time.Time { return e.Now }

// Advance moves the clock forward.
func (e *Env) Advance(d time.Duration) { e.now = e.now.Add(d) }

// Logger returns a logger that discards output.
func (e *Env) Logger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// ---------------------------------------------------------------------------
// Record helpers
// ---------------------------------------------------------------------------

// CreateRecord inserts an open record with a sample description.
func (e *Env) CreateRecord(serial, project string) *types.Record {
	e.t.Helper()
	return e.Upsert(&types.Record{
		SerialNumber: serial,
		ProjectName:  project,
		Description:  "sample issue " + serial,
		Status:       types.StatusOpen,
		Severity:     2,
	})
}

// Upsert writes rec at the current clock and returns the stored row.
func (e *Env) Upsert(rec *types.Record) *types.Record {
	e.t.Helper()
	res, err := e.Store.UpsertRecord(e.Ctx, rec, e.now)
	if err != nil {
		e.t.Fatalf("UpsertRecord(%s) failed: %v", rec.Key(), err)
	}
	return res.Record
}

// SetStatus rewrites a record's status through the upsert path.
func (e *Env) SetStatus(id int64, status types.Status) *types.Record {
	e.t.Helper()
	rec := e.Record(id)
	rec.Status = status
	return e.Upsert(rec)
}

// Link marks a record as synced to remoteID at its current hash.
func (e *Env) Link(id, remoteID int64, url string) *types.Record {
	e.t.Helper()
	rec := e.Record(id)
	err := e.Store.MarkSynced(e.Ctx, id, storage.SyncMetadata{
		RemoteID:   remoteID,
		RemoteURL:  url,
		SyncedHash: rec.ContentHash,
		Now:        e.now,
	})
	if err != nil {
		e.t.Fatalf("MarkSynced(%d) failed: %v", id, err)
	}
	return e.Record(id)
}

// Record reloads a record.
func (e *Env) Record(id int64) *types.Record {
	e.t.Helper()
	rec, err := e.Store.GetRecord(e.Ctx, id)
	if err != nil {
		e.t.Fatalf("GetRecord(%d) failed: %v", id, err)
	}
	return rec
}

// ---------------------------------------------------------------------------
// Queue helpers
// ---------------------------------------------------------------------------

// Items lists the queue items of a record, optionally filtered by status.
func (e *Env) Items(recordID int64, statuses ...types.QueueStatus) []*types.QueueItem {
	e.t.Helper()
	items, err := e.Store.ListQueueItems(e.Ctx, storage.QueueFilter{RecordID: recordID, Status: statuses})
	if err != nil {
		e.t.Fatalf("ListQueueItems(%d) failed: %v", recordID, err)
	}
	return items
}

// ActiveActions lists the actions with an active item for a record.
func (e *Env) ActiveActions(recordID int64) []types.Action {
	e.t.Helper()
	var out []types.Action
	for _, it := range e.Items(recordID, types.QueuePending, types.QueueRetry, types.QueueProcessing) {
		out = append(out, it.Action)
	}
	return out
}

// ---------------------------------------------------------------------------
// Assertions
// ---------------------------------------------------------------------------

// AssertSyncStatus fails the test when the record's sync status differs.
func (e *Env) AssertSyncStatus(id int64, want types.SyncStatus) {
	e.t.Helper()
	if got := e.Record(id).SyncStatus; got != want {
		e.t.Errorf("record %d sync_status = %s, want %s", id, got, want)
	}
}

// AssertQueueEmpty fails the test when the record has active items.
func (e *Env) AssertQueueEmpty(id int64) {
	e.t.Helper()
	if active := e.ActiveActions(id); len(active) != 0 {
		e.t.Errorf("record %d has active items %v, want none", id, active)
	}
}
