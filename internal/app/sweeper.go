package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// Refunder compensates a job's debit. Satisfied by credits.Service; the
// ledger makes repeated refunds no-ops.
type Refunder interface {
	Refund(ctx context.Context, userID, jobID, reason string) error
}

// liveTaskStates are the engine states that prove the task still has an
// owner. A job in any of these is slow, not orphaned.
var liveTaskStates = map[string]struct{}{
	"active":      {},
	"pending":     {},
	"scheduled":   {},
	"retry":       {},
	"aggregating": {},
}

// StalledJobSweeper fails running jobs whose worker died between MarkRunning
// and a terminal write. Crash recovery normally rides on queue retries; the
// sweeper covers the gap where the engine lost the task entirely.
type StalledJobSweeper struct {
	jobs     domain.JobRepository
	queue    domain.Queue
	credits  Refunder
	events   domain.EventPublisher
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewStalledJobSweeper(jobs domain.JobRepository, queue domain.Queue, credits Refunder, events domain.EventPublisher, maxAge, interval time.Duration) *StalledJobSweeper {
	if jobs == nil || queue == nil {
		return nil
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StalledJobSweeper{
		jobs:     jobs,
		queue:    queue,
		credits:  credits,
		events:   events,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
	}
}

func (s *StalledJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stalled job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce inspects one page of overdue running jobs. One page per tick:
// jobs with live tasks stay running and would reappear in a follow-up list,
// so paging within a tick could spin on the same rows.
func (s *StalledJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StalledJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := s.now().Add(-s.maxAge)
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.max_age_seconds", s.maxAge.Seconds()),
	)

	jobs, err := s.jobs.ListStalled(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stalled sweep list failed", slog.Any("error", err))
		return
	}

	failed := 0
	for _, j := range jobs {
		if s.sweepJob(ctx, j) {
			failed++
		}
	}
	span.SetAttributes(
		attribute.Int("jobs.checked", len(jobs)),
		attribute.Int("jobs.marked_failed", failed),
	)
	if failed > 0 {
		slog.Warn("stalled jobs failed by sweeper",
			slog.Int("count", failed), slog.Int("checked", len(jobs)))
	}
}

func (s *StalledJobSweeper) sweepJob(ctx context.Context, j domain.Job) bool {
	state, err := s.queue.TaskState(ctx, j.ID)
	switch {
	case err == nil:
		if _, live := liveTaskStates[state]; live {
			return false
		}
	case errors.Is(err, domain.ErrNotFound):
		// no task anywhere in the engine, the stall is certain
	default:
		slog.Warn("stalled sweep task probe failed, skipping job",
			slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}

	msg := fmt.Sprintf("no live task after %v; failed by sweeper", s.maxAge)
	ok, err := s.jobs.MarkFailed(ctx, j.ID, domain.FailureStalled, msg)
	if err != nil {
		slog.Error("stalled sweep mark failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return false
	}
	if !ok {
		// lost the race with a worker's terminal write
		return false
	}
	observability.JobsFailedTotal.WithLabelValues(domain.FailureStalled).Inc()

	if s.credits != nil {
		if err := s.credits.Refund(ctx, j.UserID, j.ID, "job stalled"); err != nil {
			slog.Error("stalled sweep refund failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	if s.events != nil {
		ev := domain.JobEvent{
			JobID:     j.ID,
			UserID:    j.UserID,
			Status:    domain.JobFailed,
			Attempt:   j.Attempts,
			UpdatedAt: s.now().UTC(),
		}
		if err := s.events.PublishJobEvent(ctx, ev); err != nil {
			slog.Warn("stalled sweep event publish failed",
				slog.String("job_id", j.ID), slog.Any("error", err))
		}
	}
	slog.Warn("job failed by stalled sweeper",
		slog.String("job_id", j.ID), slog.String("user_id", j.UserID))
	return true
}
