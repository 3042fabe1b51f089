// Package usecase orchestrates the control-plane flows: admission of new
// restoration jobs, the status surface, upload-target issuance, and the
// worker pipeline.
package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/credits"
	"github.com/lumapix/restoration-service/internal/service/idempotency"
	"github.com/lumapix/restoration-service/pkg/imagex"
	"github.com/lumapix/restoration-service/pkg/textx"
)

// CreditRefunder is the refund-only credit surface; the worker pipeline and
// the stalled-job sweeper compensate through it.
type CreditRefunder interface {
	Refund(ctx context.Context, userID, jobID, reason string) error
}

// CreditDebiter adds the admission debit; tests stub it.
type CreditDebiter interface {
	CreditRefunder
	CheckAndDeduct(ctx context.Context, userID, jobID string) (credits.Decision, error)
}

// ReplayStore is the idempotency-store subset admission needs; tests stub it.
type ReplayStore interface {
	Lookup(ctx context.Context, userID, key, fingerprint string) (idempotency.Entry, idempotency.Result, error)
	Save(ctx context.Context, userID, key string, e idempotency.Entry) error
}

// SubmitInput is one normalized submission: exactly one of Inline or
// BlobObject carries the source image. Method and Path scope the
// idempotency fingerprint.
type SubmitInput struct {
	Key        string
	Method     string
	Path       string
	Prompt     string
	Inline     []byte
	BlobObject string
}

// SubmitOutcome is the canonical admission response: the handler writes
// Status, Header and Body verbatim, which is what makes replays
// byte-for-byte.
type SubmitOutcome struct {
	Status   int
	Header   map[string]string
	Body     []byte
	JobID    string
	Replayed bool
}

type submitResponse struct {
	JobID    string           `json:"job_id"`
	Status   domain.JobStatus `json:"status"`
	Credit   submitCreditInfo `json:"credit"`
	Location string           `json:"location"`
}

type submitCreditInfo struct {
	Amount int64             `json:"amount"`
	Kind   domain.CreditKind `json:"kind"`
}

// AdmissionService runs the submit flow: validate, preprocess, moderate,
// replay or admit, debit, persist, hand to the queue.
type AdmissionService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	Blobs     domain.BlobStore
	Moderator domain.Moderator
	Audits    domain.AuditRepository
	Credits   CreditDebiter
	Replay    ReplayStore

	MaxUploadBytes int64

	now   func() time.Time
	newID func() string
}

// NewAdmissionService wires the admission flow.
func NewAdmissionService(
	jobs domain.JobRepository,
	queue domain.Queue,
	blobs domain.BlobStore,
	moderator domain.Moderator,
	audits domain.AuditRepository,
	creditSvc CreditDebiter,
	replay ReplayStore,
	maxUploadBytes int64,
) *AdmissionService {
	return &AdmissionService{
		Jobs:           jobs,
		Queue:          queue,
		Blobs:          blobs,
		Moderator:      moderator,
		Audits:         audits,
		Credits:        creditSvc,
		Replay:         replay,
		MaxUploadBytes: maxUploadBytes,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// Submit admits one restoration job. Short-circuit order: key validation,
// payload decode, preprocessing, moderation, idempotency replay, credit
// debit, record creation, blob write, enqueue, idempotency save. After the
// debit every failure compensates with a refund.
func (s *AdmissionService) Submit(ctx domain.Context, userID string, in SubmitInput) (SubmitOutcome, error) {
	tracer := otel.Tracer("usecase.admission")
	ctx, span := tracer.Start(ctx, "admission.submit")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if err := idempotency.ValidateKey(in.Key); err != nil {
		return SubmitOutcome{}, err
	}

	src, err := s.materialize(ctx, userID, in)
	if err != nil {
		return SubmitOutcome{}, err
	}
	prompt := textx.NormalizePrompt(in.Prompt)

	prep, err := imagex.Prepare(src.data, src.format)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("%w: image decode: %v", domain.ErrInvalidArgument, err)
	}

	verdict, err := s.moderate(ctx, userID, prep.Data, prompt)
	if err != nil {
		return SubmitOutcome{}, err
	}

	fp := submitFingerprint(in, prompt)
	entry, res, err := s.Replay.Lookup(ctx, userID, in.Key, fp)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: idempotency lookup: %w", err)
	}
	switch res {
	case idempotency.Hit:
		slog.Info("admission replayed", slog.String("user_id", userID), slog.String("key", in.Key))
		return SubmitOutcome{Status: entry.Status, Header: entry.Headers, Body: entry.Body, Replayed: true}, nil
	case idempotency.Conflict:
		return SubmitOutcome{}, fmt.Errorf("%w: idempotency key reused with a different payload", domain.ErrConflict)
	}

	jobID := s.newID()
	span.SetAttributes(attribute.String("job.id", jobID))

	dec, err := s.Credits.CheckAndDeduct(ctx, userID, jobID)
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: credits: %w", err)
	}
	if !dec.Allowed {
		return SubmitOutcome{}, &domain.InsufficientCreditsError{Remaining: dec.Remaining}
	}

	now := s.now().UTC()
	object := "uploads/" + userID + "/" + jobID + ".jpg"
	job := domain.Job{
		ID:            jobID,
		UserID:        userID,
		Status:        domain.JobQueued,
		Prompt:        prompt,
		SourceObject:  object,
		SourceFormat:  src.format,
		Preprocessing: prep.Operations,
		Moderation:    verdict,
		Credit:        domain.CreditDebit{Amount: dec.Amount, Kind: dec.Kind},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		s.refund(ctx, userID, jobID, "job record creation failed")
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: create job: %w", err)
	}

	if err := s.Blobs.Upload(ctx, userID, object, prep.Data, "image/jpeg"); err != nil {
		s.compensate(ctx, userID, jobID, domain.FailureBlob, "blob write failed: "+err.Error())
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: blob write: %w: %v", domain.ErrUnavailable, err)
	}

	task := domain.RestoreTask{
		JobID:           jobID,
		UserID:          userID,
		Prompt:          prompt,
		ObjectName:      object,
		SourceFormat:    src.format,
		Preprocessing:   prep.Operations,
		ModerationFlags: verdict.Flags,
		Credit:          job.Credit,
	}
	injectTrace(ctx, &task)
	if _, err := s.Queue.Enqueue(ctx, task, domain.EnqueueOptions{}); err != nil {
		s.compensate(ctx, userID, jobID, domain.FailureEnqueue, "enqueue failed: "+err.Error())
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: enqueue: %w: %v", domain.ErrUnavailable, err)
	}

	location := "/v1/jobs/" + jobID
	body, err := json.Marshal(submitResponse{
		JobID:    jobID,
		Status:   domain.JobQueued,
		Credit:   submitCreditInfo(job.Credit),
		Location: location,
	})
	if err != nil {
		return SubmitOutcome{}, fmt.Errorf("op=admission.Submit: encode response: %w", err)
	}
	headers := map[string]string{
		"Location":     location,
		"Content-Type": "application/json",
	}
	if err := s.Replay.Save(ctx, userID, in.Key, idempotency.Entry{
		Fingerprint: fp,
		Status:      202,
		Headers:     headers,
		Body:        body,
	}); err != nil {
		// the job is already committed; without the entry a client retry
		// re-admits as a fresh job instead of replaying this response
		slog.Warn("idempotency save failed",
			slog.String("user_id", userID), slog.String("job_id", jobID), slog.Any("error", err))
	}

	slog.Info("job admitted",
		slog.String("job_id", jobID),
		slog.String("user_id", userID),
		slog.String("credit_kind", string(dec.Kind)),
		slog.String("source_format", src.format))
	return SubmitOutcome{Status: 202, Header: headers, Body: body, JobID: jobID}, nil
}

type sourceImage struct {
	data   []byte
	format string
}

// materialize resolves the submission to raw image bytes plus the sniffed
// format. Declared content types are ignored; magic bytes decide.
func (s *AdmissionService) materialize(ctx domain.Context, userID string, in SubmitInput) (sourceImage, error) {
	switch {
	case len(in.Inline) > 0 && in.BlobObject != "":
		return sourceImage{}, fmt.Errorf("%w: provide either an inline image or a blob reference, not both", domain.ErrInvalidArgument)
	case len(in.Inline) > 0:
		if int64(len(in.Inline)) > s.MaxUploadBytes {
			return sourceImage{}, fmt.Errorf("%w: image exceeds %d bytes", domain.ErrPayloadTooLarge, s.MaxUploadBytes)
		}
		format, err := sniffImageFormat(in.Inline)
		if err != nil {
			return sourceImage{}, err
		}
		return sourceImage{data: in.Inline, format: format}, nil
	case in.BlobObject != "":
		data, err := s.Blobs.Download(ctx, userID, in.BlobObject)
		if err != nil {
			return sourceImage{}, fmt.Errorf("%w: blob reference: %v", domain.ErrInvalidArgument, err)
		}
		if int64(len(data)) > s.MaxUploadBytes {
			return sourceImage{}, fmt.Errorf("%w: referenced object exceeds %d bytes", domain.ErrPayloadTooLarge, s.MaxUploadBytes)
		}
		format, err := sniffImageFormat(data)
		if err != nil {
			return sourceImage{}, err
		}
		return sourceImage{data: data, format: format}, nil
	default:
		return sourceImage{}, fmt.Errorf("%w: an image is required", domain.ErrInvalidArgument)
	}
}

var sniffedFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
}

func sniffImageFormat(data []byte) (string, error) {
	mime := mimetype.Detect(data).String()
	format, ok := sniffedFormats[mime]
	if !ok {
		return "", fmt.Errorf("%w: detected %s", domain.ErrUnsupportedMedia, mime)
	}
	return format, nil
}

// moderate applies the fail-closed policy and records the audit row. A
// moderation outage synthesizes a rejection marked fail_closed.
func (s *AdmissionService) moderate(ctx domain.Context, userID string, image []byte, prompt string) (domain.ModerationVerdict, error) {
	verdict, err := s.Moderator.Moderate(ctx, image, prompt)
	if err != nil {
		slog.Warn("moderation unavailable, failing closed",
			slog.String("user_id", userID), slog.Any("error", err))
		verdict = domain.ModerationVerdict{
			Allowed:    false,
			Rejection:  "moderation unavailable",
			FailClosed: true,
		}
	}

	audit := domain.ModerationAudit{
		UserID:     userID,
		Allowed:    verdict.Allowed,
		Flags:      verdict.Flags,
		Rejection:  verdict.Rejection,
		FailClosed: verdict.FailClosed,
	}
	if aerr := s.Audits.AppendModeration(ctx, audit); aerr != nil {
		slog.Warn("moderation audit append failed",
			slog.String("user_id", userID), slog.Any("error", aerr))
	}

	if !verdict.Allowed {
		reason := verdict.Rejection
		if reason == "" {
			reason = "content policy violation"
		}
		return verdict, &domain.ModerationRejectedError{Flags: verdict.Flags, Reason: reason}
	}
	return verdict, nil
}

// submitFingerprint canonicalizes the submission before hashing: inline
// payloads hash their bytes, blob references hash the object name, so a
// client retry is stable however its multipart boundary changes.
func submitFingerprint(in SubmitInput, prompt string) string {
	var b bytes.Buffer
	if len(in.Inline) > 0 {
		b.WriteString("inline")
		b.WriteByte(0)
		b.Write(in.Inline)
	} else {
		b.WriteString("blob")
		b.WriteByte(0)
		b.WriteString(in.BlobObject)
	}
	b.WriteByte(0)
	b.WriteString(prompt)
	return idempotency.Fingerprint(in.Method, in.Path, b.Bytes())
}

// refund compensates a debit whose job record never materialized.
func (s *AdmissionService) refund(ctx domain.Context, userID, jobID, reason string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Credits.Refund(ctx, userID, jobID, reason); err != nil {
		slog.Error("admission refund failed",
			slog.String("user_id", userID), slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// compensate runs the refund-and-fail path when admission dies after the
// debit. Detached from the request context so a canceled client still gets
// its credit back.
func (s *AdmissionService) compensate(ctx domain.Context, userID, jobID, kind, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Credits.Refund(ctx, userID, jobID, msg); err != nil {
		slog.Error("admission refund failed",
			slog.String("user_id", userID), slog.String("job_id", jobID), slog.Any("error", err))
	}
	if _, err := s.Jobs.MarkFailed(ctx, jobID, kind, domain.TruncateFailureMessage(msg)); err != nil {
		slog.Error("admission failure mark failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
	observability.JobsFailedTotal.WithLabelValues(kind).Inc()
}

func injectTrace(ctx domain.Context, task *domain.RestoreTask) {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	task.TraceParent = carrier.Get("traceparent")
	task.TraceState = carrier.Get("tracestate")
}
