// Package ingest is the write boundary for uploaded records. Every upload
// row goes through Service.UpsertRecord, which normalizes the row, writes it,
// records the field diff and hands the record to the change detector.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/issuebridge/issuebridge/internal/audit"
	"github.com/issuebridge/issuebridge/internal/detector"
	"github.com/issuebridge/issuebridge/internal/processor"
	"github.com/issuebridge/issuebridge/internal/queue"
	"github.com/issuebridge/issuebridge/internal/storage"
	"github.com/issuebridge/issuebridge/internal/types"
)

// ErrInvalidRow is returned for rows that cannot become a record.
var ErrInvalidRow = errors.New("invalid row")

// Fields are the uploaded, untyped-status content of a record.
type Fields struct {
	Category         string     `json:"category,omitempty"`
	Severity         int        `json:"severity,omitempty"`
	Description      string     `json:"description,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ActionPriority   string     `json:"action_priority,omitempty"`
	ActionRecord     string     `json:"action_record,omitempty"`
	Initiator        string     `json:"initiator,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	Status           string     `json:"status,omitempty"`
	Remarks          string     `json:"remarks,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	TargetCompletion *time.Time `json:"target_completion,omitempty"`
	ActualCompletion *time.Time `json:"actual_completion,omitempty"`
}

func (f Fields) record(key types.NaturalKey) (*types.Record, error) {
	status, err := types.ParseStatus(f.Status)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRow, key, err)
	}
	return &types.Record{
		SerialNumber:     strings.TrimSpace(key.SerialNumber),
		ProjectName:      strings.TrimSpace(key.ProjectName),
		Category:         strings.TrimSpace(f.Category),
		Severity:         f.Severity,
		Description:      strings.TrimSpace(f.Description),
		Resolution:       strings.TrimSpace(f.Resolution),
		ActionPriority:   strings.TrimSpace(f.ActionPriority),
		ActionRecord:     strings.TrimSpace(f.ActionRecord),
		Initiator:        strings.TrimSpace(f.Initiator),
		Owner:            strings.TrimSpace(f.Owner),
		Status:           status,
		Remarks:          strings.TrimSpace(f.Remarks),
		StartTime:        f.StartTime,
		TargetCompletion: f.TargetCompletion,
		ActualCompletion: f.ActualCompletion,
	}, nil
}

// Outcome reports one upsert.
type Outcome struct {
	Result storage.UpsertOutcome `json:"result"`
	Record *types.Record         `json:"record"`
	// Item is the active queue item the change produced, if any.
	Item *types.QueueItem `json:"item,omitempty"`
	// Immediate is the result of the immediate sync attempt, empty when none ran.
	Immediate processor.Outcome `json:"immediate,omitempty"`
}

// Changed reports whether anything was written.
func (o *Outcome) Changed() bool {
	return o != nil && o.Result != storage.UpsertUnchanged
}

// Option configures a Service.
type Option func(*Service)

// WithImmediate turns on an immediate sync attempt after each change. The
// attempt claims the freshly enqueued item and runs it through p, so a
// failure is retried by the queue like any other.
func WithImmediate(p *processor.Processor) Option {
	return func(s *Service) { s.proc = p }
}

// WithRecorder sets the change audit recorder.
func WithRecorder(r *audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// Service accepts uploaded records.
type Service struct {
	store    storage.Storage
	queue    *queue.Queue
	detector *detector.Detector
	proc     *processor.Processor
	recorder *audit.Recorder
	now      func() time.Time
	log      *slog.Logger
}

// New creates an ingestion service.
func New(store storage.Storage, q *queue.Queue, d *detector.Detector, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    q,
		detector: d,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "ingest")
	return s
}

// UpsertRecord writes one uploaded row. An unchanged row writes nothing.
// storage.ErrDataIntegrity is returned unchanged in the chain when the key
// is ambiguous in the store.
//
// The write is committed before detection runs: when enqueueing fails the
// outcome is still returned alongside the error, and the next detector
// scan picks the record up.
func (s *Service) UpsertRecord(ctx context.Context, key types.NaturalKey, fields Fields) (*Outcome, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRow, err)
	}
	rec, err := fields.record(key)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRow, key, err)
	}

	now := s.now()
	res, err := s.store.UpsertRecord(ctx, rec, now)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", key, err)
	}
	out := &Outcome{Result: res.Outcome, Record: res.Record}
	log := s.log.With("record", res.Record.ID, "key", key.String())
	if res.Outcome == storage.UpsertUnchanged {
		log.Debug("record unchanged")
		return out, nil
	}
	log.Info("record written", "result", res.Outcome, "status", res.Record.Status)

	if err := s.recorder.RecordDiff(ctx, res.Previous, res.Record, types.OriginLocal, now); err != nil {
		log.Warn("record change events failed", "error", err)
	}

	out.Item, err = s.detector.DetectRecord(ctx, res.Record)
	if err != nil {
		return out, fmt.Errorf("detect %s: %w", key, err)
	}
	if out.Item == nil || s.proc == nil {
		return out, nil
	}

	claimed, err := s.queue.Claim(ctx, out.Item.ID)
	if err != nil {
		// The item stays queued for the next batch.
		log.Warn("immediate claim failed", "item", out.Item.ID, "error", err)
		return out, nil
	}
	if claimed == nil {
		log.Debug("item already claimed, leaving it to the queue", "item", out.Item.ID)
		return out, nil
	}
	out.Immediate = s.proc.ProcessItem(ctx, claimed)
	if cur, err := s.store.GetRecord(ctx, res.Record.ID); err == nil {
		out.Record = cur
	}
	return out, nil
}
