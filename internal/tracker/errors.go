package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrRemoteUnavailable marks transient remote failures: timeouts, 5xx,
// rate limiting, refused connections. They are retried with backoff.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// ErrRemoteRejected marks permanent remote failures: validation errors and
// other 4xx responses. They are not retried.
var ErrRemoteRejected = errors.New("remote rejected")

// RemoteError describes a failed remote call.
type RemoteError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Message    string
	RetryAfter time.Duration
	Kind       error // ErrRemoteUnavailable or ErrRemoteRejected
	Err        error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the classification sentinel and the cause.
func (e *RemoteError) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Unavailable wraps err as a transient failure of op. A rejection is
// reclassified, keeping its status and message.
func Unavailable(op string, err error) error {
	var re *RemoteError
	if errors.As(err, &re) {
		if errors.Is(re.Kind, ErrRemoteUnavailable) {
			return err
		}
		return &RemoteError{
			Op:         op,
			StatusCode: re.StatusCode,
			Message:    re.Message,
			RetryAfter: re.RetryAfter,
			Kind:       ErrRemoteUnavailable,
			Err:        re.Err,
		}
	}
	return &RemoteError{Op: op, Kind: ErrRemoteUnavailable, Err: err}
}

// Rejected reports a permanent failure of op.
func Rejected(op string, status int, msg string) error {
	return &RemoteError{Op: op, StatusCode: status, Message: msg, Kind: ErrRemoteRejected}
}

// FromStatus classifies an HTTP error response. 408, 429 and 5xx are
// transient; every other 4xx is permanent.
func FromStatus(op string, status int, msg string, retryAfter time.Duration) error {
	kind := ErrRemoteRejected
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500 {
		kind = ErrRemoteUnavailable
	}
	return &RemoteError{Op: op, StatusCode: status, Message: msg, RetryAfter: retryAfter, Kind: kind}
}

// IsRetryable reports whether a failed call should be retried. Only
// explicit rejections are permanent; unclassified errors such as network
// failures are retried within the queue's retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRemoteRejected) {
		return false
	}
	return true
}

// IsCanceled reports whether err came from the caller's context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
