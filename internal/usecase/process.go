package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/restore"
	"github.com/lumapix/restoration-service/pkg/imagex"
)

// ProcessService is the worker pipeline: materialize, classify, enhance,
// restore, store, mark terminal. Returned errors feed the queue engine's
// retry policy; terminal compensation lives in HandleExhausted.
type ProcessService struct {
	Jobs        domain.JobRepository
	Blobs       domain.BlobStore
	Restorer    domain.Restorer
	DeadLetters domain.DeadLetterRepository
	Credits     CreditRefunder
	Events      domain.EventPublisher
	Templates   *restore.Templates

	// StageTimeout bounds the blob stages; the provider carries its own
	// per-call timeout and retry budget.
	StageTimeout time.Duration

	now func() time.Time
}

// NewProcessService wires the worker pipeline.
func NewProcessService(
	jobs domain.JobRepository,
	blobs domain.BlobStore,
	restorer domain.Restorer,
	deadLetters domain.DeadLetterRepository,
	creditSvc CreditRefunder,
	events domain.EventPublisher,
	templates *restore.Templates,
	stageTimeout time.Duration,
) *ProcessService {
	return &ProcessService{
		Jobs:         jobs,
		Blobs:        blobs,
		Restorer:     restorer,
		DeadLetters:  deadLetters,
		Credits:      creditSvc,
		Events:       events,
		Templates:    templates,
		StageTimeout: stageTimeout,
		now:          time.Now,
	}
}

// stageError tags a pipeline failure with the failure kind recorded on dead
// letters and failed jobs.
type stageError struct {
	kind string
	err  error
}

func (e *stageError) Error() string { return e.kind + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Process handles one delivery. attempt is 1-based and includes the current
// delivery. Duplicate deliveries of terminal jobs return nil without writes.
func (s *ProcessService) Process(ctx domain.Context, task domain.RestoreTask, attempt int) error {
	ctx = extractTrace(ctx, task)
	tracer := otel.Tracer("usecase.worker")
	ctx, span := tracer.Start(ctx, "worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", task.JobID),
		attribute.String("user.id", task.UserID),
		attribute.Int("job.attempt", attempt))

	if task.Replay != nil {
		attempt += task.Replay.PreviousAttempts
	}
	started := s.now()

	ok, err := s.Jobs.MarkRunning(ctx, task.JobID, attempt)
	if err != nil {
		return fmt.Errorf("op=worker.Process: mark running: %w", err)
	}
	if !ok {
		slog.Info("duplicate delivery for terminal job, dropping",
			slog.String("job_id", task.JobID), slog.Int("attempt", attempt))
		return nil
	}
	s.publish(ctx, task, domain.JobRunning, attempt)

	data, err := s.download(ctx, task)
	if err != nil {
		return &stageError{kind: domain.FailureBlob, err: fmt.Errorf("op=worker.Process: download: %w", err)}
	}

	classifyStart := s.now()
	img, _, err := imagex.Decode(data)
	if err != nil {
		// the admission re-encode produced this object; failing to decode it
		// is our bug, not the user's
		return &stageError{kind: domain.FailureInternal, err: fmt.Errorf("op=worker.Process: decode: %w", err)}
	}
	scores := restore.Classify(img, task.SourceFormat)
	classifyMS := s.now().Sub(classifyStart).Milliseconds()

	promptStart := s.now()
	enhanced := restore.Enhance(task.Prompt, scores, s.Templates)
	promptMS := s.now().Sub(promptStart).Milliseconds()

	restoreStart := s.now()
	result, err := s.Restorer.Restore(ctx, enhanced, data)
	if err != nil {
		return &stageError{kind: domain.FailureProvider, err: fmt.Errorf("op=worker.Process: restore: %w", err)}
	}
	restoreMS := s.now().Sub(restoreStart).Milliseconds()

	resultObject := "results/" + task.UserID + "/" + task.JobID + ".jpg"
	if err := s.upload(ctx, task.UserID, resultObject, result.Image); err != nil {
		return &stageError{kind: domain.FailureBlob, err: fmt.Errorf("op=worker.Process: store result: %w", err)}
	}

	completion := domain.JobCompletion{
		ResultObject:   resultObject,
		EnhancedPrompt: enhanced,
		Classification: scores,
		Timings: domain.Timings{
			ClassifyMS: classifyMS,
			PromptMS:   promptMS,
			RestoreMS:  restoreMS,
			TotalMS:    s.now().Sub(started).Milliseconds(),
		},
		Provider: result.Receipt,
	}
	ok, err = s.Jobs.MarkSucceeded(ctx, task.JobID, completion)
	if err != nil {
		return fmt.Errorf("op=worker.Process: mark succeeded: %w", err)
	}
	if !ok {
		slog.Warn("job turned terminal mid-pipeline, result kept",
			slog.String("job_id", task.JobID), slog.String("result", resultObject))
		return nil
	}

	s.publish(ctx, task, domain.JobSucceeded, attempt)
	observability.ObserveStages(classifyMS, promptMS, restoreMS, completion.Timings.TotalMS)
	observability.JobsCompletedTotal.Inc()
	slog.Info("job succeeded",
		slog.String("job_id", task.JobID),
		slog.String("user_id", task.UserID),
		slog.Int("attempt", attempt),
		slog.Int64("total_ms", completion.Timings.TotalMS),
		slog.String("provider_request", result.Receipt.RequestID))
	return nil
}

// HandleExhausted is the terminal-failure path, invoked exactly once per task
// id by the queue engine when the attempt budget is spent. Order: job marked
// failed, debit refunded, dead letter persisted, event published.
func (s *ProcessService) HandleExhausted(ctx domain.Context, task domain.RestoreTask, attempts int, cause error) {
	ctx = context.WithoutCancel(ctx)
	kind := failureKind(cause)
	msg := domain.TruncateFailureMessage(cause.Error())
	slog.Error("task exhausted its attempt budget",
		slog.String("job_id", task.JobID),
		slog.String("user_id", task.UserID),
		slog.Int("attempts", attempts),
		slog.String("kind", kind),
		slog.String("error", msg))

	if _, err := s.Jobs.MarkFailed(ctx, task.JobID, kind, msg); err != nil {
		slog.Error("terminal failure mark failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	}
	// no-ops when the debit was already compensated, e.g. a replayed task
	if err := s.Credits.Refund(ctx, task.UserID, task.JobID, "attempts exhausted: "+kind); err != nil {
		slog.Error("terminal refund failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	}

	dl := domain.DeadLetter{
		ID:       task.JobID,
		JobID:    task.JobID,
		UserID:   task.UserID,
		Task:     task,
		Failure:  domain.FailureRecord{Kind: kind, Message: msg},
		Attempts: attempts,
		FailedAt: s.now().UTC(),
	}
	if err := s.DeadLetters.Put(ctx, dl); err != nil {
		slog.Error("dead letter write failed", slog.String("job_id", task.JobID), slog.Any("error", err))
	} else {
		observability.DeadLettersTotal.Inc()
	}

	s.publish(ctx, task, domain.JobFailed, attempts)
	observability.JobsFailedTotal.WithLabelValues(kind).Inc()
}

func (s *ProcessService) download(ctx domain.Context, task domain.RestoreTask) ([]byte, error) {
	ctx, cancel := s.stageCtx(ctx)
	defer cancel()
	return s.Blobs.Download(ctx, task.UserID, task.ObjectName)
}

func (s *ProcessService) upload(ctx domain.Context, userID, object string, data []byte) error {
	ctx, cancel := s.stageCtx(ctx)
	defer cancel()
	return s.Blobs.Upload(ctx, userID, object, data, "image/jpeg")
}

func (s *ProcessService) stageCtx(ctx domain.Context) (domain.Context, context.CancelFunc) {
	if s.StageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.StageTimeout)
}

func (s *ProcessService) publish(ctx domain.Context, task domain.RestoreTask, status domain.JobStatus, attempt int) {
	if s.Events == nil {
		return
	}
	ev := domain.JobEvent{
		JobID:     task.JobID,
		UserID:    task.UserID,
		Status:    status,
		Attempt:   attempt,
		UpdatedAt: s.now().UTC(),
	}
	// best effort: the status poller papers over a lost event
	if err := s.Events.PublishJobEvent(ctx, ev); err != nil {
		slog.Warn("job event publish failed",
			slog.String("job_id", task.JobID), slog.String("status", string(status)), slog.Any("error", err))
	}
}

// failureKind classifies the final error for the dead-letter record. A
// provider failure that exhausts the budget is recorded as exhausted.
func failureKind(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		if se.kind == domain.FailureProvider {
			return domain.FailureExhausted
		}
		return se.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.FailureTimeout
	}
	return domain.FailureInternal
}

func extractTrace(ctx domain.Context, task domain.RestoreTask) domain.Context {
	if task.TraceParent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": task.TraceParent}
	if task.TraceState != "" {
		carrier.Set("tracestate", task.TraceState)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
