package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

const storageScopeName = "github.com/issuebridge/issuebridge/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in ib.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
	queue  metric.Int64Gauge
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumentedStorage(s, Meter(storageScopeName), Tracer(storageScopeName))
}

func newInstrumentedStorage(s storage.Storage, m metric.Meter, tr trace.Tracer) *InstrumentedStorage {
	ops, _ := m.Int64Counter("ib.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("ib.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("ib.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	queue, _ := m.Int64Gauge("ib.queue.depth",
		metric.WithDescription("Queue items by status (snapshot from QueueSummary)"),
	)
	return &InstrumentedStorage{inner: s, tracer: tr, ops: ops, dur: dur, errs: errs, queue: queue}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Records ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) UpsertRecord(ctx context.Context, rec *types.Record, now time.Time) (*storage.UpsertResult, error) {
	attrs := []attribute.KeyValue{attribute.String("ib.record.key", rec.Key().String())}
	ctx, span, t := s.op(ctx, "UpsertRecord", attrs...)
	v, err := s.inner.UpsertRecord(ctx, rec, now)
	if v != nil {
		span.SetAttributes(attribute.String("ib.upsert.outcome", string(v.Outcome)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetRecord(ctx context.Context, id int64) (*types.Record, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ib.record.id", id)}
	ctx, span, t := s.op(ctx, "GetRecord", attrs...)
	v, err := s.inner.GetRecord(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetRecordByKey(ctx context.Context, key types.NaturalKey) (*types.Record, error) {
	ctx, span, t := s.op(ctx, "GetRecordByKey")
	v, err := s.inner.GetRecordByKey(ctx, key)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListRecords(ctx context.Context, filter storage.RecordFilter) ([]*types.Record, error) {
	ctx, span, t := s.op(ctx, "ListRecords")
	v, err := s.inner.ListRecords(ctx, filter)
	span.SetAttributes(attribute.Int("ib.result.count", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) MarkSynced(ctx context.Context, id int64, meta storage.SyncMetadata) error {
	attrs := []attribute.KeyValue{attribute.Int64("ib.record.id", id)}
	ctx, span, t := s.op(ctx, "MarkSynced", attrs...)
	err := s.inner.MarkSynced(ctx, id, meta)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) MarkSyncFailed(ctx context.Context, id int64, msg string, now time.Time) error {
	attrs := []attribute.KeyValue{attribute.Int64("ib.record.id", id)}
	ctx, span, t := s.op(ctx, "MarkSyncFailed", attrs...)
	err := s.inner.MarkSyncFailed(ctx, id, msg, now)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ApplyRemoteProgress(ctx context.Context, id int64, p storage.RemoteProgress, now time.Time) (bool, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ib.record.id", id)}
	ctx, span, t := s.op(ctx, "ApplyRemoteProgress", attrs...)
	v, err := s.inner.ApplyRemoteProgress(ctx, id, p, now)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Queue ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Enqueue(ctx context.Context, p storage.EnqueueParams) (*types.QueueItem, bool, error) {
	attrs := []attribute.KeyValue{attribute.String("ib.action", string(p.Action))}
	ctx, span, t := s.op(ctx, "Enqueue", attrs...)
	v, created, err := s.inner.Enqueue(ctx, p)
	span.SetAttributes(attribute.Bool("ib.queue.created", created))
	s.done(ctx, span, t, err, attrs...)
	return v, created, err
}

func (s *InstrumentedStorage) ClaimBatch(ctx context.Context, p storage.ClaimParams) ([]*types.QueueItem, error) {
	ctx, span, t := s.op(ctx, "ClaimBatch", attribute.Int("ib.claim.limit", p.Limit))
	v, err := s.inner.ClaimBatch(ctx, p)
	span.SetAttributes(attribute.Int("ib.result.count", len(v)))
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) CompleteItem(ctx context.Context, id int64, token string, now time.Time) (*storage.CompleteResult, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ib.item.id", id)}
	ctx, span, t := s.op(ctx, "CompleteItem", attrs...)
	v, err := s.inner.CompleteItem(ctx, id, token, now)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) FailItem(ctx context.Context, id int64, token string, p storage.FailParams) (*types.QueueItem, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ib.item.id", id)}
	ctx, span, t := s.op(ctx, "FailItem", attrs...)
	v, err := s.inner.FailItem(ctx, id, token, p)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ReleaseItem(ctx context.Context, id int64, token string, now time.Time) (*types.QueueItem, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ib.item.id", id)}
	ctx, span, t := s.op(ctx, "ReleaseItem", attrs...)
	v, err := s.inner.ReleaseItem(ctx, id, token, now)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CancelActive(ctx context.Context, recordID int64, action types.Action, reason string, now time.Time) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("ib.action", string(action))}
	ctx, span, t := s.op(ctx, "CancelActive", attrs...)
	v, err := s.inner.CancelActive(ctx, recordID, action, reason, now)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ReapStale(ctx context.Context, claimedBefore, now time.Time) (*storage.ReapResult, error) {
	ctx, span, t := s.op(ctx, "ReapStale")
	v, err := s.inner.ReapStale(ctx, claimedBefore, now)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) DeleteFinishedItems(ctx context.Context, before time.Time) (int64, error) {
	ctx, span, t := s.op(ctx, "DeleteFinishedItems")
	v, err := s.inner.DeleteFinishedItems(ctx, before)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetQueueItem(ctx context.Context, id int64) (*types.QueueItem, error) {
	ctx, span, t := s.op(ctx, "GetQueueItem")
	v, err := s.inner.GetQueueItem(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListQueueItems(ctx context.Context, filter storage.QueueFilter) ([]*types.QueueItem, error) {
	ctx, span, t := s.op(ctx, "ListQueueItems")
	v, err := s.inner.ListQueueItems(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

// QueueSummary also records a snapshot gauge of queue depth per status.
func (s *InstrumentedStorage) QueueSummary(ctx context.Context) (*types.QueueSummary, error) {
	ctx, span, t := s.op(ctx, "QueueSummary")
	v, err := s.inner.QueueSummary(ctx)
	if err == nil && v != nil {
		for _, st := range types.QueueStatuses {
			s.queue.Record(ctx, int64(v.ByStatus[st]),
				metric.WithAttributes(attribute.String("status", string(st))),
			)
		}
	}
	s.done(ctx, span, t, err)
	return v, err
}

// ── Audit, statistics, metadata ─────────────────────────────────────────────

func (s *InstrumentedStorage) AppendChangeEvents(ctx context.Context, events []types.ChangeEvent) error {
	ctx, span, t := s.op(ctx, "AppendChangeEvents", attribute.Int("ib.event.count", len(events)))
	err := s.inner.AppendChangeEvents(ctx, events)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ListChangeEvents(ctx context.Context, recordID int64) ([]types.ChangeEvent, error) {
	ctx, span, t := s.op(ctx, "ListChangeEvents")
	v, err := s.inner.ListChangeEvents(ctx, recordID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) DeleteChangeEvents(ctx context.Context, before time.Time) (int64, error) {
	ctx, span, t := s.op(ctx, "DeleteChangeEvents")
	v, err := s.inner.DeleteChangeEvents(ctx, before)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) RecordStat(ctx context.Context, at time.Time, action types.Action, success bool, dur time.Duration) error {
	ctx, span, t := s.op(ctx, "RecordStat")
	err := s.inner.RecordStat(ctx, at, action, success, dur)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ListStats(ctx context.Context, since time.Time) ([]types.DailyStat, error) {
	ctx, span, t := s.op(ctx, "ListStats")
	v, err := s.inner.ListStats(ctx, since)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SetMetadata(ctx context.Context, key, value string) error {
	ctx, span, t := s.op(ctx, "SetMetadata", attribute.String("ib.meta.key", key))
	err := s.inner.SetMetadata(ctx, key, value)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) GetMetadata(ctx context.Context, key string) (string, error) {
	ctx, span, t := s.op(ctx, "GetMetadata", attribute.String("ib.meta.key", key))
	v, err := s.inner.GetMetadata(ctx, key)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// Unwrap returns the underlying storage.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}
