package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/issuebridge/issuebridge/internal/telemetry"
	"github.com/issuebridge/issuebridge/internal/tracker"
	"github.com/issuebridge/issuebridge/internal/types"
)

func init() {
	tracker.Register("gitlab", func(cfg tracker.FactoryConfig) (tracker.Tracker, error) {
		return NewFromConfig(cfg)
	})
}

const tracerName = "github.com/issuebridge/issuebridge/gitlab"

// issueIIDPattern matches GitLab issue URLs: .../-/issues/42
var issueIIDPattern = regexp.MustCompile(`/-/issues/(\d+)`)

// Tracker implements tracker.Tracker for GitLab.
type Tracker struct {
	client   *Client
	config   *MappingConfig
	classify tracker.ClassifyFunc
	severity tracker.SeverityLabelFunc
	now      func() time.Time
	log      *slog.Logger
	tracer   trace.Tracer
}

var _ tracker.Tracker = (*Tracker)(nil)

// Option configures a Tracker.
type Option func(*Tracker)

// WithMapping replaces the default mapping configuration.
func WithMapping(m *MappingConfig) Option {
	return func(t *Tracker) {
		if m != nil {
			t.config = m
		}
	}
}

// WithClassifier sets the function that derives labels from descriptions.
func WithClassifier(fn tracker.ClassifyFunc) Option {
	return func(t *Tracker) { t.classify = fn }
}

// WithSeverityLabels sets the severity label mapping.
func WithSeverityLabels(fn tracker.SeverityLabelFunc) Option {
	return func(t *Tracker) { t.severity = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// New creates a tracker over client.
func New(client *Client, opts ...Option) *Tracker {
	t := &Tracker{
		client: client,
		config: DefaultMappingConfig(),
		now:    time.Now,
		log:    slog.Default(),
		tracer: telemetry.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("tracker", "gitlab")
	return t
}

// NewFromConfig builds a tracker from factory options: url, token,
// project_id, auth ("token" or "oauth"), progress_prefix and labels
// (comma-separated fixed labels).
func NewFromConfig(cfg tracker.FactoryConfig) (*Tracker, error) {
	token := cfg.Option("token")
	if token == "" {
		return nil, fmt.Errorf("GitLab token not configured (set gitlab.token or GITLAB_TOKEN)")
	}
	projectID := cfg.Option("project_id")
	if projectID == "" {
		return nil, fmt.Errorf("GitLab project ID not configured (set gitlab.project_id)")
	}
	baseURL := cfg.Option("url")
	if baseURL == "" {
		baseURL = DefaultURL
	}

	client := NewClient(token, baseURL, projectID)
	if cfg.HTTPClient != nil {
		client = client.WithHTTPClient(cfg.HTTPClient)
	}
	switch auth := cfg.Option("auth"); auth {
	case "", "token":
	case "oauth":
		client = client.WithOAuth()
	default:
		return nil, fmt.Errorf("unknown GitLab auth mode %q (want token or oauth)", auth)
	}

	mapping := DefaultMappingConfig()
	if p := strings.TrimSuffix(cfg.Option("progress_prefix"), "::"); p != "" {
		mapping.ProgressPrefix = p
	}
	if labels := cfg.Option("labels"); labels != "" {
		mapping.AdditionalLabels = NormalizeLabels(strings.Split(labels, ","))
	}

	return New(client,
		WithMapping(mapping),
		WithClassifier(cfg.Classify),
		WithSeverityLabels(cfg.SeverityLabel),
		WithLogger(cfg.Logger),
	), nil
}

func (t *Tracker) Name() string { return "gitlab" }

// Mapping returns the mapping configuration in use.
func (t *Tracker) Mapping() *MappingConfig { return t.config }

func (t *Tracker) ParseRemoteURL(url string) (int64, bool) {
	matches := issueIIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return 0, false
	}
	iid, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil || iid <= 0 {
		return 0, false
	}
	return iid, true
}

func (t *Tracker) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "gitlab."+name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// labelsFor computes the labels this adapter owns for a record:
// classification, severity and fixed labels.
func (t *Tracker) labelsFor(rec *types.Record) []string {
	var labels []string
	if t.classify != nil {
		labels = append(labels, t.classify(rec.Description)...)
	}
	if t.severity != nil {
		if l := t.severity(rec.Severity); l != "" {
			labels = append(labels, l)
		}
	}
	labels = append(labels, t.config.AdditionalLabels...)
	return labels
}

// mergeLabels keeps the remote labels, replaces the severity scope and
// adds the labels computed for rec.
func (t *Tracker) mergeLabels(remote []string, rec *types.Record) []string {
	computed := t.labelsFor(rec)
	replaceSeverity := false
	for _, l := range computed {
		if p, _ := ParseLabelPrefix(l); p != "" && p == t.config.SeverityScope {
			replaceSeverity = true
		}
	}
	out := make([]string, 0, len(remote)+len(computed))
	for _, l := range remote {
		if p, _ := ParseLabelPrefix(l); replaceSeverity && p == t.config.SeverityScope {
			continue
		}
		out = append(out, l)
	}
	return NormalizeLabels(append(out, computed...))
}

func refOf(issue *Issue) *tracker.RemoteRef {
	return &tracker.RemoteRef{
		ID:     int64(issue.IID),
		URL:    issue.WebURL,
		Labels: NormalizeLabels(issue.Labels),
	}
}

// findByKey returns the oldest issue whose description carries the
// record's marker, or nil.
func (t *Tracker) findByKey(ctx context.Context, key types.NaturalKey) (*Issue, error) {
	marker := Marker(key)
	issues, err := t.client.SearchIssues(ctx, marker)
	if err != nil {
		return nil, err
	}
	var found *Issue
	for i := range issues {
		is := &issues[i]
		if !strings.Contains(is.Description, marker) {
			continue
		}
		if found == nil || is.IID < found.IID {
			found = is
		}
	}
	return found, nil
}

// CreateIssue opens an issue for rec, or returns the issue a previous
// attempt already created for the same natural key.
func (t *Tracker) CreateIssue(ctx context.Context, rec *types.Record) (ref *tracker.RemoteRef, err error) {
	ctx, span := t.startSpan(ctx, "create_issue", attribute.String("ib.record.key", rec.Key().String()))
	defer func() { endSpan(span, err) }()

	existing, err := t.findByKey(ctx, rec.Key())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		t.log.Info("issue already exists for record", "key", rec.Key().String(), "iid", existing.IID)
		span.SetAttributes(attribute.Bool("ib.gitlab.existing", true))
		return refOf(existing), nil
	}

	labels := NormalizeLabels(append(t.labelsFor(rec), t.config.InitialProgress(rec.Status)))
	issue, err := t.client.CreateIssue(ctx, IssueTitle(rec), IssueDescription(rec), labels)
	if err != nil {
		return nil, err
	}
	t.log.Info("created issue", "key", rec.Key().String(), "iid", issue.IID)
	return refOf(issue), nil
}

// UpdateIssue pushes rec's fields to an issue. Nothing is written when the
// issue already matches, or when it is closed and rec is still closing.
// A closed issue is reopened only when rec changed after the close; an
// open snapshot older than the close is stale and ignored.
func (t *Tracker) UpdateIssue(ctx context.Context, remoteID int64, rec *types.Record) (ref *tracker.RemoteRef, err error) {
	ctx, span := t.startSpan(ctx, "update_issue", attribute.Int64("ib.gitlab.iid", remoteID))
	defer func() { endSpan(span, err) }()

	issue, err := t.client.FetchIssueByIID(ctx, int(remoteID))
	if err != nil {
		return nil, err
	}
	closing := rec.Status.IsClosing()
	if issue.IsClosed() && closing {
		t.log.Debug("skip update of closed issue", "iid", remoteID)
		return refOf(issue), nil
	}
	if issue.IsClosed() && issue.ClosedAt != nil && !rec.UpdatedAt.After(*issue.ClosedAt) {
		t.log.Debug("skip stale update of closed issue", "iid", remoteID,
			"record_updated", rec.UpdatedAt, "closed_at", *issue.ClosedAt)
		return refOf(issue), nil
	}

	updates := map[string]interface{}{}
	if title := IssueTitle(rec); issue.Title != title {
		updates["title"] = title
	}
	if desc := IssueDescription(rec); issue.Description != desc {
		updates["description"] = desc
	}
	labels := t.mergeLabels(issue.Labels, rec)
	if issue.IsClosed() && !closing {
		updates["state_event"] = "reopen"
		labels = NormalizeLabels(append(t.config.WithoutProgress(labels), t.config.InitialProgress(rec.Status)))
	}
	if !SameLabels(labels, issue.Labels) {
		updates["labels"] = labels
	}
	if len(updates) == 0 {
		t.log.Debug("issue already up to date", "iid", remoteID)
		return refOf(issue), nil
	}

	updated, err := t.client.UpdateIssue(ctx, int(remoteID), updates)
	if err != nil {
		return nil, err
	}
	t.log.Info("updated issue", "iid", remoteID, "fields", len(updates))
	return refOf(updated), nil
}

// CloseIssue closes an issue, moving it to the done progress label and
// appending a closing section. Closing a closed issue is a no-op.
func (t *Tracker) CloseIssue(ctx context.Context, remoteID int64, rec *types.Record) (ref *tracker.RemoteRef, err error) {
	ctx, span := t.startSpan(ctx, "close_issue", attribute.Int64("ib.gitlab.iid", remoteID))
	defer func() { endSpan(span, err) }()

	issue, err := t.client.FetchIssueByIID(ctx, int(remoteID))
	if err != nil {
		return nil, err
	}
	if issue.IsClosed() {
		t.log.Debug("issue already closed", "iid", remoteID)
		return refOf(issue), nil
	}

	labels := NormalizeLabels(append(t.config.WithoutProgress(issue.Labels), t.config.ProgressLabel(ProgressDone)))
	updated, err := t.client.UpdateIssue(ctx, int(remoteID), map[string]interface{}{
		"description": issue.Description + ClosingSection(rec, t.now()),
		"labels":      labels,
		"state_event": "close",
	})
	if err != nil {
		return nil, err
	}
	t.log.Info("closed issue", "iid", remoteID)
	return refOf(updated), nil
}

// ReadProgress reads an issue's progress label and state. Every failure
// is reported as tracker.ErrRemoteUnavailable.
func (t *Tracker) ReadProgress(ctx context.Context, remoteID int64) (p *tracker.Progress, err error) {
	ctx, span := t.startSpan(ctx, "read_progress", attribute.Int64("ib.gitlab.iid", remoteID))
	defer func() { endSpan(span, err) }()

	issue, err := t.client.FetchIssueByIID(ctx, int(remoteID))
	if err != nil {
		return nil, tracker.Unavailable(fmt.Sprintf("read progress %d", remoteID), err)
	}
	return &tracker.Progress{
		Label:    t.config.ProgressOf(issue),
		IsClosed: issue.IsClosed(),
		Labels:   NormalizeLabels(issue.Labels),
	}, nil
}
