// Package processor drains the sync queue: it claims batches, runs each
// item through the syncer on a bounded worker pool, and settles the item
// as completed, retried or failed.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/syncer"
	"github.com/issuebridge/issuebridge/internal/telemetry"
	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/types"
)

const meterName = "github.com/issuebridge/issuebridge/processor"

// Defaults for a batch.
const (
	DefaultLimit       = 50
	DefaultMaxPriority = queue.MaxPriority
	DefaultWorkers     = 4
)

// Outcome is how one item attempt ended.
type Outcome string

// Item outcomes
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeStale     Outcome = "stale"
	OutcomeReleased  Outcome = "released"
)

// Options bounds one batch.
type Options struct {
	Limit       int
	MaxPriority int
	Workers     int
}

func (o Options) withDefaults() Options {
	if o.Limit <= 0 {
		o.Limit = DefaultLimit
	}
	if o.MaxPriority <= 0 {
		o.MaxPriority = DefaultMaxPriority
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	return o
}

// BatchResult counts what happened to the claimed items.
type BatchResult struct {
	Claimed   int           `json:"claimed"`
	Completed int           `json:"completed"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Stale     int           `json:"stale"`
	Released  int           `json:"released"`
	Duration  time.Duration `json:"duration"`
}

func (r *BatchResult) add(o Outcome) {
	switch o {
	case OutcomeCompleted:
		r.Completed++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeStale:
		r.Stale++
	case OutcomeReleased:
		r.Released++
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithDefaults sets the options used for zero fields of ProcessBatch options.
func WithDefaults(o Options) Option {
	return func(p *Processor) { p.defaults = o.withDefaults() }
}

// Processor settles queue items.
type Processor struct {
	queue    *queue.Queue
	syncer   *syncer.Syncer
	store    storage.Storage
	defaults Options
	log      *slog.Logger

	items    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a processor.
func New(store storage.Storage, q *queue.Queue, s *syncer.Syncer, opts ...Option) *Processor {
	p := &Processor{
		queue:    q,
		syncer:   s,
		store:    store,
		defaults: Options{}.withDefaults(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "processor")

	m := telemetry.Meter(meterName)
	p.items, _ = m.Int64Counter("ib.queue.items",
		metric.WithDescription("Queue items processed, by action and outcome"),
	)
	p.duration, _ = m.Float64Histogram("ib.queue.duration",
		metric.WithDescription("Queue item processing time in milliseconds"),
		metric.WithUnit("ms"),
	)
	return p
}

// ProcessBatch claims up to opts.Limit items and processes them. Item
// failures are settled on the item; only a failed claim is returned.
func (p *Processor) ProcessBatch(ctx context.Context, opts Options) (*BatchResult, error) {
	opts = p.merge(opts)
	start := time.Now()
	res := &BatchResult{}

	items, err := p.queue.ClaimBatch(ctx, opts.Limit, opts.MaxPriority)
	if err != nil {
		return res, fmt.Errorf("claim batch: %w", err)
	}
	res.Claimed = len(items)
	if len(items) == 0 {
		p.log.Debug("queue empty")
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, it := range items {
		g.Go(func() error {
			outcome := p.ProcessItem(gctx, it)
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	p.log.Info("batch processed",
		"claimed", res.Claimed, "completed", res.Completed, "retried", res.Retried,
		"failed", res.Failed, "stale", res.Stale, "released", res.Released, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (p *Processor) merge(o Options) Options {
	if o.Limit <= 0 {
		o.Limit = p.defaults.Limit
	}
	if o.MaxPriority <= 0 {
		o.MaxPriority = p.defaults.MaxPriority
	}
	if o.Workers <= 0 {
		o.Workers = p.defaults.Workers
	}
	return o
}

// ProcessItem runs one claimed item to completion and settles it. The
// item must carry its claim token. An item whose context is already done
// is released untouched, and so is one whose attempt was cut short by
// cancellation; neither spends a retry.
func (p *Processor) ProcessItem(ctx context.Context, it *types.QueueItem) Outcome {
	start := time.Now()
	log := p.log.With("item", it.ID, "record", it.RecordID, "action", it.Action, "attempt", it.RetryCount+1)

	// Settle even when ctx was cancelled mid-call so the item does not wait
	// for the reaper.
	settleCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		return p.release(settleCtx, log, it, ctx.Err())
	}

	_, syncErr := p.syncer.SyncOne(ctx, it.RecordID, it.Action)
	if syncErr != nil && (ctx.Err() != nil || tracker.IsCanceled(syncErr)) {
		return p.release(settleCtx, log, it, syncErr)
	}

	outcome := p.settle(settleCtx, log, it, syncErr)
	dur := time.Since(start)

	if err := p.store.RecordStat(settleCtx, p.queue.Now(), it.Action, syncErr == nil, dur); err != nil {
		log.Warn("record statistics failed", "error", err)
	}
	attrs := metric.WithAttributes(
		attribute.String("ib.queue.action", string(it.Action)),
		attribute.String("ib.queue.outcome", string(outcome)),
	)
	p.items.Add(settleCtx, 1, attrs)
	p.duration.Record(settleCtx, float64(dur.Milliseconds()), attrs)
	return outcome
}

func (p *Processor) release(ctx context.Context, log *slog.Logger, it *types.QueueItem, cause error) Outcome {
	if _, err := p.queue.Release(ctx, it); err != nil {
		if queue.IsStaleClaim(err) {
			log.Warn("claim lost before release")
		} else {
			log.Error("release failed, leaving the item to the reaper", "error", err)
		}
		return OutcomeStale
	}
	log.Info("attempt interrupted, item released", "cause", cause)
	p.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("ib.queue.action", string(it.Action)),
		attribute.String("ib.queue.outcome", string(OutcomeReleased)),
	))
	return OutcomeReleased
}

func (p *Processor) settle(ctx context.Context, log *slog.Logger, it *types.QueueItem, syncErr error) Outcome {
	if syncErr == nil {
		res, err := p.queue.MarkCompleted(ctx, it)
		switch {
		case queue.IsStaleClaim(err):
			log.Warn("claim lost before completion")
			return OutcomeStale
		case err != nil:
			log.Error("mark completed failed", "error", err)
			return OutcomeStale
		}
		if res.Requeued {
			log.Debug("completed; new work was merged while processing")
		} else {
			log.Debug("completed")
		}
		return OutcomeCompleted
	}

	retryable := Retryable(syncErr)
	updated, err := p.queue.MarkFailed(ctx, it, syncErr, retryable)
	switch {
	case queue.IsStaleClaim(err):
		log.Warn("claim lost before failure was recorded", "error", syncErr)
		return OutcomeStale
	case err != nil:
		log.Error("mark failed failed", "error", err, "cause", syncErr)
		return OutcomeStale
	}
	if !updated.Status.IsTerminal() {
		log.Warn("attempt failed, will retry", "error", syncErr, "scheduled_at", updated.ScheduledAt)
		return OutcomeRetried
	}
	log.Error("item failed permanently", "error", syncErr, "retryable", retryable)
	return OutcomeFailed
}

// Retryable reports whether a sync error deserves another attempt. A
// record that no longer exists locally never does.
func Retryable(err error) bool {
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	return tracker.IsRetryable(err)
}
