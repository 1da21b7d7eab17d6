// Package reconcile runs the periodic sync cycle: detect local changes,
// enqueue work, drain the queue, and pull remote progress back. Ticks are
// serialized across instances by a lease.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/issuebridge/issuebridge/internal/detector"
	"github.com/issuebridge/issuebridge/internal/lease"
	"github.com/issuebridge/issuebridge/internal/processor"
	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/syncer"
	"github.com/issuebridge/issuebridge/internal/types"
)

// State is the phase a tick is in.
type State int32

// Tick phases, in order.
const (
	StateIdle State = iota
	StateDetectChanges
	StateEnqueueWork
	StateProcessQueue
	StatePullRemoteProgress
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetectChanges:
		return "detect_changes"
	case StateEnqueueWork:
		return "enqueue_work"
	case StateProcessQueue:
		return "process_queue"
	case StatePullRemoteProgress:
		return "pull_remote_progress"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Tunables are the loop settings that may change while it runs.
type Tunables struct {
	Interval        time.Duration
	Batch           processor.Options
	PullConcurrency int
	PullPageSize    int
	ReapEvery       time.Duration
	LeaseTimeout    time.Duration
	CleanupEvery    time.Duration
	Retention       time.Duration
	FullScanEvery   time.Duration // zero disables periodic full scans
}

// DefaultTunables returns the settings used when none are configured.
func DefaultTunables() Tunables {
	return Tunables{
		Interval:        time.Minute,
		PullConcurrency: 4,
		PullPageSize:    200,
		ReapEvery:       5 * time.Minute,
		LeaseTimeout:    10 * time.Minute,
		CleanupEvery:    24 * time.Hour,
		Retention:       30 * 24 * time.Hour,
		FullScanEvery:   24 * time.Hour,
	}
}

// PullResult counts a progress pull-back pass.
type PullResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Errors  int `json:"errors"`
}

// TickResult reports one tick.
type TickResult struct {
	Skipped  bool                   `json:"skipped"`
	Detect   *detector.Result       `json:"detect,omitempty"`
	Batch    *processor.BatchResult `json:"batch,omitempty"`
	Pull     *PullResult            `json:"pull,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithLease sets the lease taken around each tick.
func WithLease(l lease.Lease) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.lease = l
		}
	}
}

// WithTunables sets the initial tunables.
func WithTunables(t Tunables) Option {
	return func(lp *Loop) { lp.tunables = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// Loop drives reconciliation.
type Loop struct {
	store    storage.Storage
	queue    *queue.Queue
	detector *detector.Detector
	proc     *processor.Processor
	syncer   *syncer.Syncer
	lease    lease.Lease
	log      *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	tunables Tunables
	reload   chan struct{}
	lastFull time.Time
}

// New creates a loop. Without WithLease every tick runs.
func New(store storage.Storage, q *queue.Queue, d *detector.Detector, p *processor.Processor, s *syncer.Syncer, opts ...Option) *Loop {
	lp := &Loop{
		store:    store,
		queue:    q,
		detector: d,
		proc:     p,
		syncer:   s,
		lease:    lease.None{},
		log:      slog.Default(),
		tunables: DefaultTunables(),
		reload:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(lp)
	}
	lp.log = lp.log.With("component", "reconcile")
	return lp
}

// State returns the current phase.
func (lp *Loop) State() State {
	return State(lp.state.Load())
}

func (lp *Loop) setState(s State) {
	lp.state.Store(int32(s))
}

// Tunables returns the settings in effect.
func (lp *Loop) Tunables() Tunables {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.tunables
}

// SetTunables replaces the settings; a running loop picks them up before
// its next tick.
func (lp *Loop) SetTunables(t Tunables) {
	lp.mu.Lock()
	lp.tunables = t
	lp.mu.Unlock()
	select {
	case lp.reload <- struct{}{}:
	default:
	}
	lp.log.Info("tunables reloaded", "interval", t.Interval, "batch", t.Batch.Limit, "workers", t.Batch.Workers)
}

// Tick runs one full cycle under the lease. When another instance holds
// the lease the tick is skipped and reported as such.
func (lp *Loop) Tick(ctx context.Context) (*TickResult, error) {
	start := time.Now()
	res := &TickResult{}

	release, err := lp.lease.Acquire(ctx)
	if errors.Is(err, lease.ErrHeld) {
		lp.log.Info("tick skipped, lease held elsewhere", "lease", lp.lease.Name())
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			lp.log.Warn("release lease failed", "error", err)
		}
	}()
	defer lp.setState(StateIdle)

	t := lp.Tunables()

	lp.setState(StateDetectChanges)
	full := lp.fullScanDue(t)
	plan, err := lp.detector.Scan(ctx, full)
	if err != nil {
		return res, fmt.Errorf("detect changes: %w", err)
	}

	lp.setState(StateEnqueueWork)
	res.Detect, err = lp.detector.Apply(ctx, plan)
	if err != nil {
		return res, fmt.Errorf("enqueue work: %w", err)
	}
	if full {
		lp.markFull()
	}

	lp.setState(StateProcessQueue)
	res.Batch, err = lp.proc.ProcessBatch(ctx, t.Batch)
	if err != nil {
		return res, fmt.Errorf("process queue: %w", err)
	}

	lp.setState(StatePullRemoteProgress)
	res.Pull, err = lp.pull(ctx, t)
	if err != nil {
		return res, fmt.Errorf("pull remote progress: %w", err)
	}

	res.Duration = time.Since(start)
	lp.log.Info("tick finished",
		"scanned", res.Detect.Scanned, "enqueued", res.Detect.Enqueued,
		"completed", res.Batch.Completed, "retried", res.Batch.Retried, "failed", res.Batch.Failed,
		"progress_changed", res.Pull.Changed, "progress_errors", res.Pull.Errors,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (lp *Loop) fullScanDue(t Tunables) bool {
	if t.FullScanEvery <= 0 {
		return false
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.lastFull.IsZero() || lp.queue.Now().Sub(lp.lastFull) >= t.FullScanEvery
}

func (lp *Loop) markFull() {
	lp.mu.Lock()
	lp.lastFull = lp.queue.Now()
	lp.mu.Unlock()
}

// PullProgress reads remote progress for every synced, linked record.
func (lp *Loop) PullProgress(ctx context.Context) (*PullResult, error) {
	return lp.pull(ctx, lp.Tunables())
}

func (lp *Loop) pull(ctx context.Context, t Tunables) (*PullResult, error) {
	res := &PullResult{}
	pageSize := t.PullPageSize
	if pageSize <= 0 {
		pageSize = DefaultTunables().PullPageSize
	}
	workers := t.PullConcurrency
	if workers <= 0 {
		workers = 1
	}

	var mu sync.Mutex
	filter := storage.RecordFilter{LinkedOnly: true, SyncStatus: types.SyncSynced, Limit: pageSize}
	for {
		page, err := lp.store.ListRecords(ctx, filter)
		if err != nil {
			return res, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, rec := range page {
			g.Go(func() error {
				changed, err := lp.syncer.PullProgress(gctx, rec)
				mu.Lock()
				defer mu.Unlock()
				res.Checked++
				if err != nil {
					res.Errors++
					lp.log.Warn("pull progress failed", "record", rec.ID, "remote_id", rec.RemoteID, "error", err)
					return nil
				}
				if changed {
					res.Changed++
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if len(page) < pageSize {
			break
		}
		filter.AfterID = page[len(page)-1].ID
	}
	lp.log.Debug("progress pulled", "checked", res.Checked, "changed", res.Changed, "errors", res.Errors)
	return res, nil
}

// Run ticks every Interval until ctx is cancelled. The reaper and the
// retention cleanup run on their own cadence between ticks. Tick errors
// are logged and the loop continues.
func (lp *Loop) Run(ctx context.Context) error {
	var lastReap, lastCleanup time.Time
	lp.log.Info("reconciliation loop started", "interval", lp.Tunables().Interval)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			lp.log.Info("reconciliation loop stopped")
			return ctx.Err()
		case <-lp.reload:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(lp.interval())
			continue
		case <-timer.C:
		}

		t := lp.Tunables()
		now := lp.queue.Now()
		if t.ReapEvery > 0 && now.Sub(lastReap) >= t.ReapEvery {
			if _, err := lp.queue.Reap(ctx, t.LeaseTimeout); err != nil {
				lp.log.Error("reap failed", "error", err)
			}
			lastReap = now
		}
		if _, err := lp.Tick(ctx); err != nil && ctx.Err() == nil {
			lp.log.Error("tick failed", "error", err)
		}
		if t.CleanupEvery > 0 && now.Sub(lastCleanup) >= t.CleanupEvery {
			if _, err := lp.queue.Cleanup(ctx, t.Retention); err != nil {
				lp.log.Error("cleanup failed", "error", err)
			}
			lastCleanup = now
		}
		timer.Reset(lp.interval())
	}
}

func (lp *Loop) interval() time.Duration {
	if d := lp.Tunables().Interval; d > 0 {
		return d
	}
	return DefaultTunables().Interval
}
