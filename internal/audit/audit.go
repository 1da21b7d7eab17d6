// Package audit derives field-level change events from record writes and
// persists them, optionally mirroring them to an event sink.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/issuebridge/issuebridge/internal/fingerprint"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

// FieldRemoteProgress is audited alongside the tracked fields.
const FieldRemoteProgress = "remote_progress"

// Fields lists the audited fields in the order events are emitted.
var Fields = append(append([]string{}, fingerprint.TrackedFields...), FieldRemoteProgress)

func fieldsOf(r *types.Record) map[string]string {
	m := fingerprint.Fields(r)
	if r != nil {
		m[FieldRemoteProgress] = r.RemoteProgress
	} else {
		m[FieldRemoteProgress] = ""
	}
	return m
}

// Diff returns one event per audited field whose value differs between
// prev and next. A nil prev compares against an empty record, so an
// insert yields events for every non-empty field. The events carry
// next.ID as their record id.
func Diff(prev, next *types.Record, origin types.ChangeOrigin, at time.Time) []types.ChangeEvent {
	if next == nil {
		return nil
	}
	a, b := fieldsOf(prev), fieldsOf(next)
	var events []types.ChangeEvent
	for _, f := range Fields {
		if a[f] == b[f] {
			continue
		}
		events = append(events, types.ChangeEvent{
			RecordID:  next.ID,
			Field:     f,
			OldValue:  a[f],
			NewValue:  b[f],
			Origin:    origin,
			CreatedAt: at.UTC(),
		})
	}
	return events
}

// Sink receives change events after they were stored.
type Sink interface {
	Publish(ctx context.Context, events []types.ChangeEvent) error
	Close() error
}

// Recorder stores change events and forwards them to an optional sink.
type Recorder struct {
	store storage.Storage
	sink  Sink
	log   *slog.Logger
}

// NewRecorder creates a recorder. sink may be nil.
func NewRecorder(store storage.Storage, sink Sink, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, sink: sink, log: log.With("component", "audit")}
}

// Record appends events to the store and publishes them. A sink failure
// is logged and never returned.
func (r *Recorder) Record(ctx context.Context, events []types.ChangeEvent) error {
	if r == nil || len(events) == 0 {
		return nil
	}
	if err := r.store.AppendChangeEvents(ctx, events); err != nil {
		return err
	}
	if r.sink != nil {
		if err := r.sink.Publish(ctx, events); err != nil {
			r.log.Warn("publish change events failed", "events", len(events), "error", err)
		}
	}
	return nil
}

// RecordDiff records the diff between prev and next.
func (r *Recorder) RecordDiff(ctx context.Context, prev, next *types.Record, origin types.ChangeOrigin, at time.Time) error {
	return r.Record(ctx, Diff(prev, next, origin, at))
}

// Close closes the sink.
func (r *Recorder) Close() error {
	if r == nil || r.sink == nil {
		return nil
	}
	return r.sink.Close()
}
