package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/issuebridge/issuebridge/internal/tracker"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 10 << 20

// NewClient creates a GitLab client authenticating with a private token.
func NewClient(token, baseURL, projectID string) *Client {
	return &Client{
		Token:      token,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		ProjectID:  projectID,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
		retryDelay: RetryDelay,
	}
}

// WithHTTPClient returns a copy of the client using hc.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.HTTPClient = hc
	return &cp
}

// WithEndpoint returns a copy of the client with a full API base URL
// (e.g. "https://gitlab.example.com/api/v4").
func (c *Client) WithEndpoint(endpoint string) *Client {
	cp := *c
	cp.BaseURL = strings.TrimRight(endpoint, "/")
	return &cp
}

// WithRetryDelay returns a copy of the client with a different base delay
// for rate-limit retries.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	cp := *c
	cp.retryDelay = d
	return &cp
}

// WithOAuth returns a copy of the client that sends the token as an OAuth
// bearer token instead of a PRIVATE-TOKEN header.
func (c *Client) WithOAuth() *Client {
	cp := *c
	base := cp.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: DefaultTimeout}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cp.Token, TokenType: "Bearer"})
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = base.Timeout
	cp.HTTPClient = hc
	cp.oauth = true
	return &cp
}

// projectPath returns the URL-escaped project identifier.
func (c *Client) projectPath() string {
	return url.PathEscape(c.ProjectID)
}

// buildURL joins the API base, path and query parameters.
func (c *Client) buildURL(path string, params map[string]string) string {
	base := c.BaseURL
	if !strings.HasSuffix(base, DefaultAPIEndpoint) {
		base += DefaultAPIEndpoint
	}
	u := base + path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}
	return u
}

// retryAfterBackOff stretches the next delay to a server-provided hint.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(h); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(h); err == nil {
		d = t.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}

// errorMessage extracts a readable message from an error body.
func errorMessage(body []byte) string {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err == nil {
		switch m := ae.Message.(type) {
		case string:
			if m != "" {
				return m
			}
		case nil:
		default:
			if b, err := json.Marshal(m); err == nil {
				return string(b)
			}
		}
		if ae.Error != "" {
			return ae.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// doRequest performs one API call. 429 responses are retried with
// exponential backoff, honouring Retry-After. Other failures are returned
// classified as tracker.ErrRemoteUnavailable or tracker.ErrRemoteRejected.
func (c *Client) doRequest(ctx context.Context, op, method, urlStr string, body interface{}) ([]byte, http.Header, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.retryDelay
	exp.MaxElapsedTime = 0
	bo := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, MaxRetries)}

	var respBody []byte
	var respHeader http.Header
	attempt := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, urlStr, rd)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: build request: %w", op, err))
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if !c.oauth && c.Token != "" {
			req.Header.Set("PRIVATE-TOKEN", c.Token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return backoff.Permanent(tracker.Unavailable(op, err))
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return backoff.Permanent(tracker.Unavailable(op, fmt.Errorf("read response: %w", err)))
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			respBody, respHeader = data, resp.Header
			return nil
		}

		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		rerr := tracker.FromStatus(op, resp.StatusCode, errorMessage(data), retryAfter)
		if resp.StatusCode == http.StatusTooManyRequests {
			bo.hint = retryAfter
			return rerr
		}
		return backoff.Permanent(rerr)
	}

	if err := backoff.Retry(attempt, backoff.WithContext(bo, ctx)); err != nil {
		if ctx.Err() != nil && !tracker.IsCanceled(err) {
			return nil, nil, tracker.Unavailable(op, ctx.Err())
		}
		return nil, nil, err
	}
	return respBody, respHeader, nil
}

// FetchIssueByIID fetches one issue by its project-scoped IID.
func (c *Client) FetchIssueByIID(ctx context.Context, iid int) (*Issue, error) {
	op := fmt.Sprintf("get issue %d", iid)
	u := c.buildURL(fmt.Sprintf("/projects/%s/issues/%d", c.projectPath(), iid), nil)
	data, _, err := c.doRequest(ctx, op, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, tracker.Unavailable(op, fmt.Errorf("decode issue: %w", err))
	}
	return &issue, nil
}

// SearchIssues returns every issue, open or closed, whose description
// matches search, following X-Next-Page pagination.
func (c *Client) SearchIssues(ctx context.Context, search string) ([]Issue, error) {
	params := map[string]string{
		"search":   search,
		"in":       "description",
		"state":    "all",
		"per_page": strconv.Itoa(MaxPageSize),
	}
	var all []Issue
	page := "1"
	for i := 0; i < MaxPages && page != ""; i++ {
		params["page"] = page
		u := c.buildURL(fmt.Sprintf("/projects/%s/issues", c.projectPath()), params)
		data, hdr, err := c.doRequest(ctx, "search issues", http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		var issues []Issue
		if err := json.Unmarshal(data, &issues); err != nil {
			return nil, tracker.Unavailable("search issues", fmt.Errorf("decode issues: %w", err))
		}
		all = append(all, issues...)
		page = strings.TrimSpace(hdr.Get("X-Next-Page"))
	}
	return all, nil
}

// CreateIssue opens a new issue.
func (c *Client) CreateIssue(ctx context.Context, title, description string, labels []string) (*Issue, error) {
	body := map[string]interface{}{
		"title":       title,
		"description": description,
	}
	if len(labels) > 0 {
		body["labels"] = strings.Join(labels, ",")
	}
	u := c.buildURL(fmt.Sprintf("/projects/%s/issues", c.projectPath()), nil)
	data, _, err := c.doRequest(ctx, "create issue", http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, tracker.Unavailable("create issue", fmt.Errorf("decode issue: %w", err))
	}
	return &issue, nil
}

// UpdateIssue edits an issue. updates holds GitLab field names such as
// "title", "description", "labels" and "state_event".
func (c *Client) UpdateIssue(ctx context.Context, iid int, updates map[string]interface{}) (*Issue, error) {
	op := fmt.Sprintf("update issue %d", iid)
	body := make(map[string]interface{}, len(updates))
	for k, v := range updates {
		body[k] = v
	}
	if labels, ok := body["labels"].([]string); ok {
		body["labels"] = strings.Join(labels, ",")
	}
	u := c.buildURL(fmt.Sprintf("/projects/%s/issues/%d", c.projectPath(), iid), nil)
	data, _, err := c.doRequest(ctx, op, http.MethodPut, u, body)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return nil, tracker.Unavailable(op, fmt.Errorf("decode issue: %w", err))
	}
	return &issue, nil
}
