// Package domain defines dead-letter and audit entities for the
// exhausted-retry path.
package domain

import "time"

// Failure kinds recorded on dead letters and failed jobs.
const (
	FailureProvider  = "provider_error"
	FailureExhausted = "provider_exhausted"
	FailureBlob      = "blob_error"
	FailureTimeout   = "timeout"
	FailureStalled   = "stalled"
	FailureEnqueue   = "enqueue_error"
	FailureInternal  = "internal_error"
)

// MaxFailureMessage bounds the message persisted on jobs and dead letters.
const MaxFailureMessage = 512

// FailureRecord captures why a task exhausted its attempt budget.
type FailureRecord struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// TruncateFailureMessage trims a failure message for persistence.
func TruncateFailureMessage(msg string) string {
	if len(msg) <= MaxFailureMessage {
		return msg
	}
	return msg[:MaxFailureMessage]
}

// DeadLetter archives a task whose attempt budget is exhausted. Its ID is the
// original job id, so writing it twice for the same job overwrites in place
// and replay stays idempotent-ish.
type DeadLetter struct {
	ID       string
	JobID    string
	UserID   string
	Task     RestoreTask
	Failure  FailureRecord
	Attempts int
	FailedAt time.Time
}

// DeadLetterStats summarizes the archive for the operator tool.
type DeadLetterStats struct {
	Total      int
	ByKind     map[string]int
	OldestAt   *time.Time
	NewestAt   *time.Time
	UniqueUser int
}

// ModerationAudit records every verdict, including fail-closed rejections.
type ModerationAudit struct {
	ID         string
	UserID     string
	Allowed    bool
	Flags      []string
	Rejection  string
	FailClosed bool
	CreatedAt  time.Time
}

// ReplayAudit records one operator replay of a dead letter.
type ReplayAudit struct {
	ID           string
	DeadLetterID string
	JobID        string
	NewTaskID    string
	ReplayedBy   string
	Reason       string
	CreatedAt    time.Time
}
