// Package types defines the core data structures for issuebridge
package types

import (
	"fmt"
	"strings"
	"time"
)

// NaturalKey identifies a record across uploads.
type NaturalKey struct {
	SerialNumber string `json:"serial_number"`
	ProjectName  string `json:"project_name"`
}

// String renders the key as serial/project.
func (k NaturalKey) String() string {
	return k.SerialNumber + "/" + k.ProjectName
}

// Validate checks that both key components are present.
func (k NaturalKey) Validate() error {
	if strings.TrimSpace(k.SerialNumber) == "" {
		return fmt.Errorf("serial_number is required")
	}
	if strings.TrimSpace(k.ProjectName) == "" {
		return fmt.Errorf("project_name is required")
	}
	return nil
}

// Record is a tracked issue row sourced from the spreadsheet upload.
type Record struct {
	ID           int64  `json:"id"`
	SerialNumber string `json:"serial_number"`
	ProjectName  string `json:"project_name"`

	// Content fields
	Category         string     `json:"category,omitempty"`
	Severity         int        `json:"severity,omitempty"`
	Description      string     `json:"description,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
	ActionPriority   string     `json:"action_priority,omitempty"`
	ActionRecord     string     `json:"action_record,omitempty"`
	Initiator        string     `json:"initiator,omitempty"`
	Owner            string     `json:"owner,omitempty"`
	Status           Status     `json:"status"`
	Remarks          string     `json:"remarks,omitempty"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	TargetCompletion *time.Time `json:"target_completion,omitempty"`
	ActualCompletion *time.Time `json:"actual_completion,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// Sync metadata. Only the processor and the progress pull-back write these.
	RemoteID       int64         `json:"remote_id,omitempty"`
	RemoteURL      string        `json:"remote_url,omitempty"`
	RemoteLabels   []string      `json:"remote_labels,omitempty"`
	RemoteProgress string        `json:"remote_progress,omitempty"`
	SyncStatus     SyncStatus    `json:"sync_status"`
	LastSyncTime   *time.Time    `json:"last_sync_time,omitempty"`
	ContentHash    string        `json:"content_hash"`
	SyncedHash     string        `json:"synced_hash,omitempty"`
	OperationType  OperationType `json:"operation_type"`
	LastSyncError  string        `json:"last_sync_error,omitempty"`
}

// Key returns the record's natural key.
func (r *Record) Key() NaturalKey {
	return NaturalKey{SerialNumber: r.SerialNumber, ProjectName: r.ProjectName}
}

// HasRemote reports whether the record is linked to a remote issue.
func (r *Record) HasRemote() bool {
	return r.RemoteID != 0 || r.RemoteURL != ""
}

// Validate checks if the record has valid field values
func (r *Record) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", r.Status)
	}
	if r.Severity < 0 || r.Severity > 9 {
		return fmt.Errorf("severity must be between 0 and 9 (got %d)", r.Severity)
	}
	return nil
}

// SetDefaults fills omitted fields after decoding an upload row.
func (r *Record) SetDefaults() {
	if r.Status == "" {
		r.Status = StatusOpen
	}
	if r.SyncStatus == "" {
		r.SyncStatus = SyncPending
	}
	if r.OperationType == "" {
		r.OperationType = OpInsert
	}
}

// Status represents the local lifecycle state of a record
type Status string

// Record status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusDelayed    Status = "delayed"
	StatusClosed     Status = "closed"
	StatusResolved   Status = "resolved"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusPaused, StatusDelayed, StatusClosed, StatusResolved:
		return true
	}
	return false
}

// IsClosing reports whether the status ends the remote issue's life.
func (s Status) IsClosing() bool {
	return s == StatusClosed || s == StatusResolved
}

// ParseStatus normalizes an uploaded status value. Besides the canonical
// names it accepts the single-letter spreadsheet codes O, C, P and R.
func ParseStatus(raw string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "":
		return StatusOpen, nil
	case "o":
		return StatusOpen, nil
	case "c":
		return StatusClosed, nil
	case "p", "in-progress", "in progress":
		return StatusInProgress, nil
	case "r":
		return StatusResolved, nil
	}
	s := Status(v)
	if !s.IsValid() {
		return "", fmt.Errorf("invalid status: %q", raw)
	}
	return s, nil
}

// SyncStatus tracks where a record stands relative to the remote tracker
type SyncStatus string

// Sync status constants
const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
	SyncUpdated SyncStatus = "updated"
)

// OperationType records whether the last local write inserted or updated.
type OperationType string

// Operation type constants
const (
	OpInsert OperationType = "insert"
	OpUpdate OperationType = "update"
)

// Action is the kind of remote work a queue item represents
type Action string

// Queue action constants
const (
	ActionCreate       Action = "create"
	ActionUpdate       Action = "update"
	ActionClose        Action = "close"
	ActionSyncProgress Action = "sync_progress"
)

// Actions lists every action in a stable order.
var Actions = []Action{ActionCreate, ActionUpdate, ActionClose, ActionSyncProgress}

// IsValid checks if the action is known
func (a Action) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionClose, ActionSyncProgress:
		return true
	}
	return false
}

// QueueStatus is the state of a queue item
type QueueStatus string

// Queue status constants
const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueRetry      QueueStatus = "retry"
)

// QueueStatuses lists every queue status in lifecycle order.
var QueueStatuses = []QueueStatus{QueuePending, QueueProcessing, QueueRetry, QueueCompleted, QueueFailed}

// IsTerminal reports whether the item will never be claimed again.
func (s QueueStatus) IsTerminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// IsActive reports whether the item counts toward the one-per-(record, action) rule.
func (s QueueStatus) IsActive() bool {
	return s == QueuePending || s == QueueRetry || s == QueueProcessing
}

// QueueItem is one durable unit of synchronization work
type QueueItem struct {
	ID           int64             `json:"id"`
	RecordID     int64             `json:"record_id"`
	Action       Action            `json:"action"`
	Status       QueueStatus       `json:"status"`
	Priority     int               `json:"priority"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	ClaimedAt    *time.Time        `json:"claimed_at,omitempty"`
	ClaimToken   string            `json:"claim_token,omitempty"`
	ProcessedAt  *time.Time        `json:"processed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ChangeOrigin says which side produced a change event.
type ChangeOrigin string

// Change origins
const (
	OriginLocal  ChangeOrigin = "local"
	OriginRemote ChangeOrigin = "remote"
)

// ChangeEvent is an append-only field-level diff for one record.
type ChangeEvent struct {
	ID        int64        `json:"id"`
	RecordID  int64        `json:"record_id"`
	Field     string       `json:"field"`
	OldValue  string       `json:"old_value"`
	NewValue  string       `json:"new_value"`
	Origin    ChangeOrigin `json:"origin"`
	CreatedAt time.Time    `json:"created_at"`
}

// DailyStat aggregates processor outcomes per day and action.
type DailyStat struct {
	Date            string `json:"date"` // YYYY-MM-DD, UTC
	Action          Action `json:"action"`
	SuccessCount    int64  `json:"success_count"`
	FailureCount    int64  `json:"failure_count"`
	TotalDurationMs int64  `json:"total_duration_ms"`
}

// AvgProcessingTime is the mean duration across all recorded attempts.
func (s DailyStat) AvgProcessingTime() time.Duration {
	n := s.SuccessCount + s.FailureCount
	if n == 0 {
		return 0
	}
	return time.Duration(s.TotalDurationMs/n) * time.Millisecond
}

// StatDate formats t as the DailyStat date bucket.
func StatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// QueueSummary counts items per status and action.
type QueueSummary struct {
	ByStatus map[QueueStatus]int            `json:"by_status"`
	ByAction map[Action]map[QueueStatus]int `json:"by_action"`
}
