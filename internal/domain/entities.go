package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels). The HTTP layer maps these to problem documents;
// everything else classifies by wrapping one of them.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrForbidden             = errors.New("forbidden")
	ErrNotFound              = errors.New("not found")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrUnsupportedMedia      = errors.New("unsupported media type")
	ErrIdempotencyKeyMissing = errors.New("idempotency key missing")
	ErrIdempotencyKeyInvalid = errors.New("idempotency key invalid")
	ErrConflict              = errors.New("conflict")
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrModerationRejected    = errors.New("moderation rejected")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrRateLimited           = errors.New("rate limited")
	ErrNotImplemented        = errors.New("not implemented")
	ErrUnavailable           = errors.New("service unavailable")
	ErrInternal              = errors.New("internal error")
)

// InsufficientCreditsError carries the remaining counter surfaced on 402.
type InsufficientCreditsError struct {
	Remaining int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d remaining", e.Remaining)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// RateLimitedError carries the denying bucket's state so the HTTP layer can
// emit RateLimit-* headers and Retry-After.
type RateLimitedError struct {
	Scope     string
	Limit     int64
	Remaining int64
	Reset     time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: scope=%s", e.Scope)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// ModerationRejectedError carries the category list surfaced on 422.
type ModerationRejectedError struct {
	Flags  []string
	Reason string
}

func (e *ModerationRejectedError) Error() string {
	return fmt.Sprintf("moderation rejected: %s", e.Reason)
}

func (e *ModerationRejectedError) Unwrap() error { return ErrModerationRejected }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

type CreditKind string

const (
	CreditFree     CreditKind = "free"
	CreditPaid     CreditKind = "paid"
	CreditRefund   CreditKind = "refund"
	CreditPurchase CreditKind = "purchase"
)

// CreditDebit is the debit recorded on a job at admission.
type CreditDebit struct {
	Amount int64      `json:"amount"`
	Kind   CreditKind `json:"kind"`
}

// Timings are per-stage worker durations in milliseconds.
// Present on a job iff the worker began processing it.
type Timings struct {
	ClassifyMS int64 `json:"classify_ms"`
	PromptMS   int64 `json:"prompt_ms"`
	RestoreMS  int64 `json:"restore_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// ProviderReceipt is the provider metadata recorded for audit on success.
type ProviderReceipt struct {
	RequestID     string  `json:"request_id"`
	BilledUnits   int64   `json:"billed_units"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// JobError is the minimal error block on a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ModerationVerdict is the immutable output of the moderation stage.
// FailClosed marks verdicts synthesized from a moderation outage.
type ModerationVerdict struct {
	Allowed    bool     `json:"allowed"`
	Flags      []string `json:"flags,omitempty"`
	Rejection  string   `json:"rejection,omitempty"`
	FailClosed bool     `json:"fail_closed,omitempty"`
}

// Job is the control-plane record for one restoration.
// Invariants: terminal status is monotonic; ResultObject set iff succeeded;
// Error set iff failed; Timings set iff a worker started the pipeline.
type Job struct {
	ID             string
	UserID         string
	Status         JobStatus
	Prompt         string
	SourceObject   string
	SourceFormat   string
	Preprocessing  []string
	Moderation     ModerationVerdict
	Credit         CreditDebit
	Classification map[string]float64
	EnhancedPrompt string
	Timings        *Timings
	Provider       *ProviderReceipt
	ResultObject   string
	Error          *JobError
	Attempts       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// JobCompletion carries every field a worker merges when marking a job succeeded.
type JobCompletion struct {
	ResultObject   string
	EnhancedPrompt string
	Classification map[string]float64
	Timings        Timings
	Provider       ProviderReceipt
}

// User mirrors the durable profile; the authoritative counters live in the
// shared key-value store and the paid balance here trails them.
type User struct {
	ID          string
	Email       string
	PaidBalance int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LedgerEntry is one append-only credit movement. Amount is signed:
// negative = debit, positive = refund/purchase. RefundOf references the
// debited entry for kind=refund.
type LedgerEntry struct {
	ID        string
	UserID    string
	JobID     string
	Amount    int64
	Kind      CreditKind
	Reason    string
	RefundOf  *string
	CreatedAt time.Time
}

// Identity is the verifier's answer for a bearer credential.
type Identity struct {
	UserID   string
	Email    string
	Verified bool
}

// UploadTarget is a signed PUT destination for a client-side upload.
type UploadTarget struct {
	URL         string    `json:"upload_url"`
	ObjectName  string    `json:"object_name"`
	ExpiresAt   time.Time `json:"expires_at"`
	ContentType string    `json:"content_type"`
}

// SignedDownload is a bounded-TTL GET URL for a result object.
type SignedDownload struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ReplayMarker tags a task re-enqueued from the dead-letter archive.
type ReplayMarker struct {
	OriginalJobID    string `json:"original_job_id"`
	DeadLetterID     string `json:"dead_letter_id"`
	PreviousAttempts int    `json:"previous_attempts"`
	Reason           string `json:"reason"`
	ReplayedBy       string `json:"replayed_by"`
}

// RestoreTask is the queue payload. It carries only a blob reference for the
// source image; inline bytes are written to the blob store at admission.
type RestoreTask struct {
	JobID           string        `json:"job_id"`
	UserID          string        `json:"user_id"`
	Prompt          string        `json:"prompt,omitempty"`
	ObjectName      string        `json:"object_name"`
	SourceFormat    string        `json:"source_format"`
	Preprocessing   []string      `json:"preprocessing,omitempty"`
	ModerationFlags []string      `json:"moderation_flags,omitempty"`
	Credit          CreditDebit   `json:"credit"`
	TraceParent     string        `json:"traceparent,omitempty"`
	TraceState      string        `json:"tracestate,omitempty"`
	Replay          *ReplayMarker `json:"replay,omitempty"`
}

// JobEvent is published on every status transition and feeds the push stream.
type JobEvent struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueStats summarizes queue depths for the operator surface.
type QueueStats struct {
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Archived  int
	Completed int
	Processed int
	Failed    int
}

// RestoreResult is the provider's answer for one restoration call.
type RestoreResult struct {
	Image   []byte
	Receipt ProviderReceipt
}

// Ports.

type JobRepository interface {
	Create(ctx Context, j Job) error
	Get(ctx Context, id string) (Job, error)
	// MarkRunning merges status=running, started-at and the attempt counter.
	// Returns false without writing when the job is already terminal.
	MarkRunning(ctx Context, id string, attempt int) (bool, error)
	MarkSucceeded(ctx Context, id string, c JobCompletion) (bool, error)
	MarkFailed(ctx Context, id string, kind, message string) (bool, error)
	// ListStalled returns running jobs whose last update is older than cutoff.
	ListStalled(ctx Context, cutoff time.Time, limit int) ([]Job, error)
}

type UserRepository interface {
	Get(ctx Context, id string) (User, error)
	// MirrorBalance upserts the profile row with the authoritative balance.
	MirrorBalance(ctx Context, id string, balance int64) error
}

type LedgerRepository interface {
	Append(ctx Context, e LedgerEntry) (string, error)
	// ClaimRefund atomically appends a refund referencing the newest
	// not-yet-refunded debit for the job and returns it together with the
	// debit's kind. ErrNotFound when no outstanding debit remains, which
	// makes repeated refunds no-ops.
	ClaimRefund(ctx Context, userID, jobID, reason string) (LedgerEntry, CreditKind, error)
	HasRefund(ctx Context, jobID string) (bool, error)
	ListByJob(ctx Context, jobID string) ([]LedgerEntry, error)
}

type DeadLetterRepository interface {
	Put(ctx Context, d DeadLetter) error
	Get(ctx Context, id string) (DeadLetter, error)
	List(ctx Context, userID string, limit, offset int) ([]DeadLetter, error)
	Delete(ctx Context, id string) error
	Stats(ctx Context) (DeadLetterStats, error)
	DeleteOlderThan(ctx Context, cutoff time.Time) (int64, error)
}

type AuditRepository interface {
	AppendModeration(ctx Context, a ModerationAudit) error
	AppendReplay(ctx Context, a ReplayAudit) error
}

// EnqueueOptions override queue defaults; zero value means engine defaults.
type EnqueueOptions struct {
	MaxAttempts int
	Priority    string
}

type Queue interface {
	// Enqueue is durable: it returns only after the task survives a restart.
	Enqueue(ctx Context, t RestoreTask, opts EnqueueOptions) (string, error)
	Stats(ctx Context) (QueueStats, error)
	// TaskState reports the engine's view of the task for a job id
	// ("pending", "active", "retry", ...; ErrNotFound when absent).
	TaskState(ctx Context, jobID string) (string, error)
	// DiscardArchived frees the job's task id in the engine's archive so a
	// replay can reuse it. Absent tasks are not an error.
	DiscardArchived(ctx Context, jobID string) error
}

type BlobStore interface {
	IssueUploadURL(ctx Context, userID, contentType string) (UploadTarget, error)
	IssueDownloadURL(ctx Context, userID, objectName, filename string) (SignedDownload, error)
	Download(ctx Context, userID, objectName string) ([]byte, error)
	Upload(ctx Context, userID, objectName string, data []byte, contentType string) error
}

type Moderator interface {
	Moderate(ctx Context, image []byte, prompt string) (ModerationVerdict, error)
}

type Restorer interface {
	Restore(ctx Context, prompt string, image []byte) (RestoreResult, error)
}

type TokenVerifier interface {
	Verify(ctx Context, bearer string) (Identity, error)
}

type EventPublisher interface {
	PublishJobEvent(ctx Context, ev JobEvent) error
}

// Context aliases context.Context so domain signatures stay terse.
type Context = context.Context
