// Package detector turns record changes into queue work.
//
// The decision for one record is the pure function Decide. Scan applies it
// to every record changed since the last successful scan, Apply enqueues
// the result, and DetectRecord handles a single record, as ingestion does
// after a write.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

// CursorKey is the store metadata key holding the incremental scan cursor.
const CursorKey = "detector.last_run"

// SupersededReason is recorded on update items cancelled by a close.
const SupersededReason = "superseded by close"

// DefaultPageSize is the number of records read per scan page.
const DefaultPageSize = 500

// Decide returns the action a record needs, if any.
func Decide(rec *types.Record) (types.Action, bool) {
	closing := rec.Status.IsClosing()
	if !rec.HasRemote() {
		if closing {
			// Never open an issue only to close it.
			return "", false
		}
		return types.ActionCreate, true
	}
	if closing {
		if rec.SyncStatus == types.SyncSynced && rec.SyncedHash == rec.ContentHash {
			return "", false
		}
		return types.ActionClose, true
	}
	if rec.ContentHash != rec.SyncedHash {
		return types.ActionUpdate, true
	}
	return "", false
}

// Result summarizes one detection pass.
type Result struct {
	Scanned    int
	Enqueued   int
	Merged     int
	Superseded int
	ByAction   map[types.Action]int
	Cursor     time.Time
	Full       bool
}

func (r *Result) add(a types.Action, created bool, superseded int) {
	if r.ByAction == nil {
		r.ByAction = make(map[types.Action]int)
	}
	r.ByAction[a]++
	if created {
		r.Enqueued++
	} else {
		r.Merged++
	}
	r.Superseded += superseded
}

// Option configures a Detector.
type Option func(*Detector)

// WithPageSize sets the scan page size.
func WithPageSize(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// Detector enqueues the work that record changes require.
type Detector struct {
	store    storage.Storage
	queue    *queue.Queue
	pageSize int
	log      *slog.Logger
}

// New creates a detector. The queue's clock is used for the cursor.
func New(store storage.Storage, q *queue.Queue, opts ...Option) *Detector {
	d := &Detector{
		store:    store,
		queue:    q,
		pageSize: DefaultPageSize,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("component", "detector")
	return d
}

// Cursor returns the time of the last successful scan, or the zero time.
func (d *Detector) Cursor(ctx context.Context) (time.Time, error) {
	raw, err := d.store.GetMetadata(ctx, CursorKey)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", CursorKey, raw, err)
	}
	return t, nil
}

// Decision is one record's pending action.
type Decision struct {
	Record *types.Record
	Action types.Action
}

// Plan is the outcome of a scan, ready to be enqueued.
type Plan struct {
	Decisions []Decision
	Scanned   int
	Full      bool
	Since     time.Time // zero for full scans and first runs
	Start     time.Time // cursor value once the plan is applied
}

// Scan reads records updated after the cursor, or every record when full
// is set, and decides their actions. Nothing is written.
func (d *Detector) Scan(ctx context.Context, full bool) (*Plan, error) {
	plan := &Plan{Full: full, Start: d.queue.Now().UTC()}

	filter := storage.RecordFilter{Limit: d.pageSize}
	if !full {
		cursor, err := d.Cursor(ctx)
		if err != nil {
			return nil, err
		}
		if !cursor.IsZero() {
			filter.UpdatedSince = &cursor
		}
		plan.Since = cursor
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := d.store.ListRecords(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		for _, rec := range page {
			plan.Scanned++
			if action, ok := Decide(rec); ok {
				plan.Decisions = append(plan.Decisions, Decision{Record: rec, Action: action})
			}
		}
		if len(page) < filter.Limit {
			break
		}
		filter.AfterID = page[len(page)-1].ID
	}
	return plan, nil
}

// Apply enqueues a plan's decisions and then advances the cursor to the
// plan's start. A failed enqueue leaves the cursor where it was, so the
// next scan sees the same records again.
func (d *Detector) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	res := &Result{Scanned: plan.Scanned, Full: plan.Full, Cursor: plan.Since}
	for _, dec := range plan.Decisions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, created, superseded, err := d.enqueue(ctx, dec.Record, dec.Action)
		if err != nil {
			return res, err
		}
		res.add(dec.Action, created, superseded)
	}
	if err := d.store.SetMetadata(ctx, CursorKey, plan.Start.Format(time.RFC3339Nano)); err != nil {
		return res, fmt.Errorf("advance cursor: %w", err)
	}
	res.Cursor = plan.Start
	d.log.Info("detection finished",
		"full", plan.Full, "scanned", res.Scanned, "enqueued", res.Enqueued,
		"merged", res.Merged, "superseded", res.Superseded)
	return res, nil
}

// Detect scans and applies in one step.
func (d *Detector) Detect(ctx context.Context, full bool) (*Result, error) {
	plan, err := d.Scan(ctx, full)
	if err != nil {
		return &Result{Full: full}, err
	}
	return d.Apply(ctx, plan)
}

// DetectRecord decides and enqueues work for one record. It returns the
// active item, or nil when the record needs nothing.
func (d *Detector) DetectRecord(ctx context.Context, rec *types.Record) (*types.QueueItem, error) {
	action, ok := Decide(rec)
	if !ok {
		return nil, nil
	}
	it, _, _, err := d.enqueue(ctx, rec, action)
	return it, err
}

// enqueue adds the item for action. A close first cancels any unclaimed
// update of the same record.
func (d *Detector) enqueue(ctx context.Context, rec *types.Record, action types.Action) (*types.QueueItem, bool, int, error) {
	superseded := 0
	if action == types.ActionClose {
		n, err := d.queue.Supersede(ctx, rec.ID, types.ActionUpdate, SupersededReason)
		if err != nil {
			return nil, false, 0, fmt.Errorf("supersede update of record %d: %w", rec.ID, err)
		}
		if n > 0 {
			d.log.Debug("close superseded pending update", "record", rec.ID, "items", n)
		}
		superseded = n
	}
	it, created, err := d.queue.Enqueue(ctx, rec.ID, action, queue.PriorityFor(action, rec.Severity), map[string]string{
		"key": rec.Key().String(),
	})
	if err != nil {
		return nil, false, superseded, fmt.Errorf("enqueue %s for record %d: %w", action, rec.ID, err)
	}
	return it, created, superseded, nil
}
