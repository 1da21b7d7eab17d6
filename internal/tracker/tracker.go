// Package tracker defines the remote tracker contract consumed by the sync
// engine, its error taxonomy, and a registry of implementations.
package tracker

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/issuebridge/issuebridge/internal/types"
)

// RemoteRef identifies a remote issue.
type RemoteRef struct {
	ID  int64  `json:"id"`
	URL string `json:"url"`
	// Labels is the label set the remote issue carries after the call, when known.
	Labels []string `json:"labels,omitempty"`
}

// Progress is the remote state read back during reconciliation.
type Progress struct {
	Label    string   `json:"label"` // progress label value, e.g. "Doing"
	IsClosed bool     `json:"is_closed"`
	Labels   []string `json:"labels"`
}

// Tracker is implemented by each remote issue tracker.
//
// CreateIssue must be idempotent per natural key: when the remote already
// holds an issue for the record it returns that issue. UpdateIssue must be
// safe to repeat with the same payload and must not reopen or rewrite an
// issue that was closed remotely while the record is still closing.
// CloseIssue on a closed issue is a success. Errors are classified with
// ErrRemoteUnavailable or ErrRemoteRejected; ReadProgress errors are
// always ErrRemoteUnavailable.
type Tracker interface {
	// Name returns the lowercase identifier for this tracker (e.g. "gitlab").
	Name() string

	CreateIssue(ctx context.Context, rec *types.Record) (*RemoteRef, error)
	UpdateIssue(ctx context.Context, remoteID int64, rec *types.Record) (*RemoteRef, error)
	CloseIssue(ctx context.Context, remoteID int64, rec *types.Record) (*RemoteRef, error)
	ReadProgress(ctx context.Context, remoteID int64) (*Progress, error)

	// ParseRemoteURL extracts the remote id from a stored issue URL.
	ParseRemoteURL(url string) (int64, bool)
}

// ClassifyFunc maps free text to a set of tags. It must be pure.
type ClassifyFunc func(text string) []string

// SeverityLabelFunc maps a severity to a label, or "" for none.
type SeverityLabelFunc func(severity int) string

// FactoryConfig carries what a tracker needs to construct itself.
type FactoryConfig struct {
	// Options are tracker-specific settings (url, token, project_id, ...).
	Options       map[string]string
	Classify      ClassifyFunc
	SeverityLabel SeverityLabelFunc
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Option returns an option value or "".
func (c FactoryConfig) Option(key string) string {
	if c.Options == nil {
		return ""
	}
	return c.Options[key]
}
