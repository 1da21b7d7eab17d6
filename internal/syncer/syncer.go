// Package syncer holds the single code path that pushes one record to the
// remote tracker. The queue processor and the immediate sync after an
// upload both go through SyncOne.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/audit"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/telemetry"
	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/types"
)

const tracerName = "github.com/issuebridge/issuebridge/syncer"

// ErrNotLinked is returned by PullProgress for records without a remote issue.
var ErrNotLinked = errors.New("record is not linked to a remote issue")

// Option configures a Syncer.
type Option func(*Syncer)

// WithRecorder sets the audit recorder for remote-origin changes.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Syncer) { s.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

// Syncer pushes records to a tracker and writes back sync metadata.
type Syncer struct {
	store    storage.Storage
	tracker  tracker.Tracker
	recorder *audit.Recorder
	now      func() time.Time
	log      *slog.Logger
	tracer   trace.Tracer
}

// New creates a syncer.
func New(store storage.Storage, tr tracker.Tracker, opts ...Option) *Syncer {
	s := &Syncer{
		store:   store,
		tracker: tr,
		now:     time.Now,
		log:     slog.Default(),
		tracer:  telemetry.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "syncer", "tracker", tr.Name())
	return s
}

// Tracker returns the tracker in use.
func (s *Syncer) Tracker() tracker.Tracker { return s.tracker }

// RemoteID resolves a record's remote issue id from remote_id or, for
// records linked before ids were stored, from remote_url.
func (s *Syncer) RemoteID(rec *types.Record) (int64, bool) {
	if rec.RemoteID != 0 {
		return rec.RemoteID, true
	}
	if rec.RemoteURL != "" {
		return s.tracker.ParseRemoteURL(rec.RemoteURL)
	}
	return 0, false
}

// SyncOne performs action for a record. A nil ref with a nil error means
// there was nothing to do remotely. Permanent failures are written to the
// record as sync_status=failed; every error is returned for the caller to
// classify with tracker.IsRetryable.
func (s *Syncer) SyncOne(ctx context.Context, recordID int64, action types.Action) (ref *tracker.RemoteRef, err error) {
	ctx, span := s.tracer.Start(ctx, "syncer.sync_one", trace.WithAttributes(
		attribute.Int64("ib.record.id", recordID),
		attribute.String("ib.queue.action", string(action)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	switch action {
	case types.ActionCreate, types.ActionUpdate:
		ref, err = s.push(ctx, rec)
	case types.ActionClose:
		ref, err = s.close(ctx, rec)
	case types.ActionSyncProgress:
		ref, err = s.syncProgress(ctx, rec)
	default:
		return nil, tracker.Rejected(fmt.Sprintf("sync record %d", recordID), 0, fmt.Sprintf("unknown action %q", action))
	}
	if err != nil {
		s.recordFailure(ctx, rec, action, err)
		return nil, err
	}
	return ref, nil
}

// push creates the remote issue for an unlinked record and updates it
// otherwise, so a create that raced a completed create stays harmless.
func (s *Syncer) push(ctx context.Context, rec *types.Record) (*tracker.RemoteRef, error) {
	if id, ok := s.RemoteID(rec); ok {
		ref, err := s.tracker.UpdateIssue(ctx, id, rec)
		if err != nil {
			return nil, err
		}
		return ref, s.markSynced(ctx, rec, id, ref)
	}
	if rec.Status.IsClosing() {
		s.log.Debug("skip create of closing record", "record", rec.ID)
		return nil, nil
	}
	ref, err := s.tracker.CreateIssue(ctx, rec)
	if err != nil {
		return nil, err
	}
	s.log.Info("record linked", "record", rec.ID, "key", rec.Key().String(), "remote_id", ref.ID)
	return ref, s.markSynced(ctx, rec, ref.ID, ref)
}

func (s *Syncer) close(ctx context.Context, rec *types.Record) (*tracker.RemoteRef, error) {
	id, ok := s.RemoteID(rec)
	if !ok {
		s.log.Debug("skip close of unlinked record", "record", rec.ID)
		return nil, nil
	}
	ref, err := s.tracker.CloseIssue(ctx, id, rec)
	if err != nil {
		return nil, err
	}
	return ref, s.markSynced(ctx, rec, id, ref)
}

func (s *Syncer) syncProgress(ctx context.Context, rec *types.Record) (*tracker.RemoteRef, error) {
	id, ok := s.RemoteID(rec)
	if !ok {
		return nil, nil
	}
	p, _, err := s.applyProgress(ctx, rec, id)
	if err != nil {
		return nil, err
	}
	return &tracker.RemoteRef{ID: id, URL: rec.RemoteURL, Labels: p.Labels}, nil
}

// markSynced stores the link and the hash of the record as it was sent.
func (s *Syncer) markSynced(ctx context.Context, rec *types.Record, id int64, ref *tracker.RemoteRef) error {
	meta := storage.SyncMetadata{
		RemoteID:   id,
		SyncedHash: rec.ContentHash,
		Now:        s.now(),
	}
	if ref != nil {
		meta.RemoteURL = ref.URL
		meta.Labels = ref.Labels
	}
	if err := s.store.MarkSynced(ctx, rec.ID, meta); err != nil {
		return fmt.Errorf("record sync of %d: %w", rec.ID, err)
	}
	return nil
}

func (s *Syncer) recordFailure(ctx context.Context, rec *types.Record, action types.Action, err error) {
	if tracker.IsRetryable(err) || tracker.IsCanceled(err) {
		s.log.Warn("sync attempt failed", "record", rec.ID, "action", action, "error", err)
		return
	}
	s.log.Error("sync rejected", "record", rec.ID, "action", action, "error", err)
	if markErr := s.store.MarkSyncFailed(ctx, rec.ID, err.Error(), s.now()); markErr != nil {
		s.log.Error("mark record failed", "record", rec.ID, "error", markErr)
	}
}

// PullProgress reads a linked record's remote progress and stores it.
// It reports whether the stored progress or labels changed.
func (s *Syncer) PullProgress(ctx context.Context, rec *types.Record) (bool, error) {
	id, ok := s.RemoteID(rec)
	if !ok {
		return false, ErrNotLinked
	}
	_, changed, err := s.applyProgress(ctx, rec, id)
	return changed, err
}

// applyProgress writes remote progress without touching hashed fields, so
// the change detector never sees it as a local edit. A remote close is
// recorded as progress only.
func (s *Syncer) applyProgress(ctx context.Context, rec *types.Record, id int64) (*tracker.Progress, bool, error) {
	p, err := s.tracker.ReadProgress(ctx, id)
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	changed, err := s.store.ApplyRemoteProgress(ctx, rec.ID, storage.RemoteProgress{
		Progress: p.Label,
		Labels:   p.Labels,
	}, now)
	if err != nil {
		return p, false, err
	}
	if changed {
		next := *rec
		next.RemoteProgress = p.Label
		if err := s.recorder.RecordDiff(ctx, rec, &next, types.OriginRemote, now); err != nil {
			s.log.Warn("record remote change events failed", "record", rec.ID, "error", err)
		}
		s.log.Debug("remote progress applied", "record", rec.ID, "progress", p.Label, "closed", p.IsClosed)
	}
	return p, changed, nil
}
