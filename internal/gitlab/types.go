// Package gitlab implements the remote tracker contract against the GitLab
// REST API v4.
//
// Issues are addressed by their project-scoped IID. Every issue created by
// this package carries a hidden natural-key marker in its description so
// a create retried after a lost response finds the issue instead of
// opening a duplicate.
package gitlab

import (
	"net/http"
	"strings"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitLab API v4 endpoint suffix.
	DefaultAPIEndpoint = "/api/v4"

	// DefaultURL is used when no instance URL is configured.
	DefaultURL = "https://gitlab.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for rate-limited requests.
	MaxRetries = 3

	// RetryDelay is the base delay between retries (exponential backoff).
	RetryDelay = time.Second

	// MaxRetryAfter caps the wait requested by a Retry-After header.
	MaxRetryAfter = time.Minute

	// MaxPageSize is the maximum number of issues to fetch per page.
	MaxPageSize = 100

	// MaxPages is the maximum number of pages to fetch before stopping.
	// This prevents infinite loops from malformed X-Next-Page headers.
	MaxPages = 1000

	// MaxTitleLength is GitLab's limit on issue titles, in runes.
	MaxTitleLength = 255
)

// GitLab issue states.
const (
	StateOpened   = "opened"
	StateClosed   = "closed"
	StateReopened = "reopened"
)

// Client provides methods to interact with the GitLab REST API.
type Client struct {
	Token      string       // GitLab personal access token or OAuth token
	BaseURL    string       // GitLab instance URL (e.g., "https://gitlab.com/api/v4")
	ProjectID  string       // Project ID or URL-encoded path (e.g., "group/project")
	HTTPClient *http.Client // Optional custom HTTP client

	oauth      bool // token travels as a bearer token through HTTPClient
	retryDelay time.Duration
}

// Issue represents an issue from the GitLab API.
type Issue struct {
	ID          int        `json:"id"`  // Global issue ID
	IID         int        `json:"iid"` // Project-scoped issue ID
	ProjectID   int        `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	State       string     `json:"state"` // "opened", "closed", "reopened"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Labels      []string   `json:"labels"`
	WebURL      string     `json:"web_url"`
}

// IsClosed reports whether the issue is closed.
func (i *Issue) IsClosed() bool {
	return i.State == StateClosed
}

// apiError is the body GitLab returns with error responses. Message is a
// string for most errors and an object of field errors for validation.
type apiError struct {
	Message interface{} `json:"message"`
	Error   string      `json:"error"`
}

// ParseLabelPrefix splits a label into prefix and value.
// GitLab labels like "progress::Doing" are split into ("progress", "Doing").
// Labels without "::" return empty prefix and the original label as value.
func ParseLabelPrefix(label string) (prefix, value string) {
	parts := strings.SplitN(label, "::", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", label
}
