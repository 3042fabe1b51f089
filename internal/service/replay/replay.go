// Package replay re-enqueues dead-lettered tasks into the main queue and
// maintains the archive. The operator CLI and the internal ops endpoints
// share it.
package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumapix/restoration-service/internal/domain"
)

// batchSize is the archive page size for the bulk operations.
const batchSize = 100

// Outcome reports one replayed dead letter. RefundIssued is informational:
// the original debit was already returned, so the re-run is on the house
// rather than re-debited.
type Outcome struct {
	DeadLetterID     string `json:"dead_letter_id"`
	JobID            string `json:"job_id"`
	NewTaskID        string `json:"new_task_id"`
	PreviousAttempts int    `json:"previous_attempts"`
	RefundIssued     bool   `json:"refund_issued"`
}

// BatchOutcome summarizes a bulk replay. Failed entries stay in the archive.
type BatchOutcome struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
}

type Service struct {
	deadLetters domain.DeadLetterRepository
	jobs        domain.JobRepository
	ledger      domain.LedgerRepository
	queue       domain.Queue
	audits      domain.AuditRepository
	retention   time.Duration
	now         func() time.Time
}

func New(
	deadLetters domain.DeadLetterRepository,
	jobs domain.JobRepository,
	ledger domain.LedgerRepository,
	queue domain.Queue,
	audits domain.AuditRepository,
	retention time.Duration,
) *Service {
	return &Service{
		deadLetters: deadLetters,
		jobs:        jobs,
		ledger:      ledger,
		queue:       queue,
		audits:      audits,
		retention:   retention,
		now:         time.Now,
	}
}

// List pages the archive, newest first. Empty userID lists all users.
func (s *Service) List(ctx domain.Context, userID string, limit, offset int) ([]domain.DeadLetter, error) {
	entries, err := s.deadLetters.List(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=replay.List: %w", err)
	}
	return entries, nil
}

// Stats summarizes the archive.
func (s *Service) Stats(ctx domain.Context) (domain.DeadLetterStats, error) {
	stats, err := s.deadLetters.Stats(ctx)
	if err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("op=replay.Stats: %w", err)
	}
	return stats, nil
}

// Replay re-enqueues one dead letter. The entry is removed only after the
// new task is durably enqueued; a job that already succeeded refuses the
// replay. The new task never re-debits: the original debit either still
// stands or was refunded, and RefundIssued reports which.
func (s *Service) Replay(ctx domain.Context, id, reason, replayedBy string) (Outcome, error) {
	tracer := otel.Tracer("service.replay")
	ctx, span := tracer.Start(ctx, "replay.replay")
	defer span.End()
	span.SetAttributes(attribute.String("deadletter.id", id))

	dl, err := s.deadLetters.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, fmt.Errorf("%w: dead letter %s", domain.ErrNotFound, id)
		}
		return Outcome{}, fmt.Errorf("op=replay.Replay: get: %w", err)
	}

	job, err := s.jobs.Get(ctx, dl.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, fmt.Errorf("%w: job record %s is gone, nothing to replay into", domain.ErrNotFound, dl.JobID)
		}
		return Outcome{}, fmt.Errorf("op=replay.Replay: job lookup: %w", err)
	}
	if job.Status == domain.JobSucceeded {
		return Outcome{}, fmt.Errorf("%w: job %s already succeeded", domain.ErrConflict, dl.JobID)
	}

	refunded, err := s.ledger.HasRefund(ctx, dl.JobID)
	if err != nil {
		slog.Warn("replay refund lookup failed", slog.String("job_id", dl.JobID), slog.Any("error", err))
		refunded = false
	}

	// clear the engine's archived record so the archive does not carry the
	// job twice once the replay lands
	if err := s.queue.DiscardArchived(ctx, dl.JobID); err != nil {
		slog.Warn("replay archive discard failed", slog.String("job_id", dl.JobID), slog.Any("error", err))
	}

	task := dl.Task
	task.TraceParent = ""
	task.TraceState = ""
	task.Replay = &domain.ReplayMarker{
		OriginalJobID:    dl.JobID,
		DeadLetterID:     dl.ID,
		PreviousAttempts: dl.Attempts,
		Reason:           reason,
		ReplayedBy:       replayedBy,
	}

	newTaskID, err := s.queue.Enqueue(ctx, task, domain.EnqueueOptions{})
	if err != nil {
		return Outcome{}, fmt.Errorf("op=replay.Replay: enqueue: %w", err)
	}

	if err := s.deadLetters.Delete(ctx, dl.ID); err != nil {
		// the task is already in flight; a lingering entry is the operator's
		// problem to replay-or-clean, not a reason to fail here
		slog.Warn("dead letter delete failed after replay",
			slog.String("deadletter_id", dl.ID), slog.Any("error", err))
	}

	audit := domain.ReplayAudit{
		DeadLetterID: dl.ID,
		JobID:        dl.JobID,
		NewTaskID:    newTaskID,
		ReplayedBy:   replayedBy,
		Reason:       reason,
	}
	if err := s.audits.AppendReplay(ctx, audit); err != nil {
		slog.Warn("replay audit append failed", slog.String("job_id", dl.JobID), slog.Any("error", err))
	}

	slog.Info("dead letter replayed",
		slog.String("deadletter_id", dl.ID),
		slog.String("job_id", dl.JobID),
		slog.String("new_task_id", newTaskID),
		slog.String("replayed_by", replayedBy),
		slog.Bool("refund_issued", refunded))
	return Outcome{
		DeadLetterID:     dl.ID,
		JobID:            dl.JobID,
		NewTaskID:        newTaskID,
		PreviousAttempts: dl.Attempts,
		RefundIssued:     refunded,
	}, nil
}

// ReplayAll replays every archive entry. Entries that refuse or fail stay
// behind and are counted, so the loop pages past them instead of spinning.
func (s *Service) ReplayAll(ctx domain.Context, reason, replayedBy string) (BatchOutcome, error) {
	return s.replayBatch(ctx, "", reason, replayedBy)
}

// ReplayUser replays every archive entry belonging to one user.
func (s *Service) ReplayUser(ctx domain.Context, userID, reason, replayedBy string) (BatchOutcome, error) {
	return s.replayBatch(ctx, userID, reason, replayedBy)
}

func (s *Service) replayBatch(ctx domain.Context, userID, reason, replayedBy string) (BatchOutcome, error) {
	tracer := otel.Tracer("service.replay")
	ctx, span := tracer.Start(ctx, "replay.replay_batch")
	defer span.End()

	var out BatchOutcome
	// successful replays shrink the archive, so the offset only has to step
	// over the entries left behind by failures
	offset := 0
	for {
		page, err := s.deadLetters.List(ctx, userID, batchSize, offset)
		if err != nil {
			return out, fmt.Errorf("op=replay.replayBatch: list: %w", err)
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, dl := range page {
			if _, err := s.Replay(ctx, dl.ID, reason, replayedBy); err != nil {
				slog.Warn("batch replay entry failed",
					slog.String("deadletter_id", dl.ID), slog.Any("error", err))
				out.Failed++
				offset++
				continue
			}
			out.Replayed++
		}
	}
}

// Cleanup deletes archive entries older than the retention window.
func (s *Service) Cleanup(ctx domain.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.retention)
	n, err := s.deadLetters.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=replay.Cleanup: %w", err)
	}
	if n > 0 {
		slog.Info("dead letter archive trimmed", slog.Int64("deleted", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
