package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumapix/restoration-service/internal/domain"
)

// DeadLetterRepo archives exhausted tasks. The primary key is the job id, so
// a task failing terminally more than once overwrites its own entry.
type DeadLetterRepo struct{ Pool PgxPool }

func NewDeadLetterRepo(p PgxPool) *DeadLetterRepo { return &DeadLetterRepo{Pool: p} }

// Put inserts or overwrites the dead letter for the task's job.
func (r *DeadLetterRepo) Put(ctx domain.Context, d domain.DeadLetter) error {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Put")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", d.JobID))
	if d.ID == "" {
		d.ID = d.JobID
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now().UTC()
	}
	q := `INSERT INTO dead_letters (id, job_id, user_id, task, failure, attempts, failed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
		  task=EXCLUDED.task, failure=EXCLUDED.failure,
		  attempts=EXCLUDED.attempts, failed_at=EXCLUDED.failed_at`
	_, err := r.Pool.Exec(ctx, q, d.ID, d.JobID, d.UserID, d.Task, d.Failure, d.Attempts, d.FailedAt)
	if err != nil {
		return fmt.Errorf("op=deadletter.put: %w", err)
	}
	return nil
}

// Get loads one dead letter by id.
func (r *DeadLetterRepo) Get(ctx domain.Context, id string) (domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Get")
	defer span.End()
	q := `SELECT id, job_id, user_id, task, failure, attempts, failed_at FROM dead_letters WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var d domain.DeadLetter
	if err := row.Scan(&d.ID, &d.JobID, &d.UserID, &d.Task, &d.Failure, &d.Attempts, &d.FailedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DeadLetter{}, fmt.Errorf("op=deadletter.get: %w", domain.ErrNotFound)
		}
		return domain.DeadLetter{}, fmt.Errorf("op=deadletter.get: %w", err)
	}
	return d, nil
}

// List pages the archive newest first, optionally filtered by owner.
func (r *DeadLetterRepo) List(ctx domain.Context, userID string, limit, offset int) ([]domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.List")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, job_id, user_id, task, failure, attempts, failed_at FROM dead_letters
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY failed_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=deadletter.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.UserID, &d.Task, &d.Failure, &d.Attempts, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("op=deadletter.list_scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=deadletter.list_rows: %w", err)
	}
	return out, nil
}

// Delete removes one dead letter; deleting an absent id is ErrNotFound.
func (r *DeadLetterRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=deadletter.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=deadletter.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Stats summarizes the archive.
func (r *DeadLetterRepo) Stats(ctx domain.Context) (domain.DeadLetterStats, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.Stats")
	defer span.End()
	stats := domain.DeadLetterStats{ByKind: map[string]int{}}
	q := `SELECT COUNT(*), COUNT(DISTINCT user_id), MIN(failed_at), MAX(failed_at) FROM dead_letters`
	if err := r.Pool.QueryRow(ctx, q).Scan(&stats.Total, &stats.UniqueUser, &stats.OldestAt, &stats.NewestAt); err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("op=deadletter.stats: %w", err)
	}
	rows, err := r.Pool.Query(ctx, `SELECT failure->>'kind', COUNT(*) FROM dead_letters GROUP BY 1`)
	if err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("op=deadletter.stats_kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return domain.DeadLetterStats{}, fmt.Errorf("op=deadletter.stats_kinds_scan: %w", err)
		}
		stats.ByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return domain.DeadLetterStats{}, fmt.Errorf("op=deadletter.stats_kinds_rows: %w", err)
	}
	return stats, nil
}

// DeleteOlderThan enforces the retention window and returns the rows removed.
func (r *DeadLetterRepo) DeleteOlderThan(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.deadletters")
	ctx, span := tracer.Start(ctx, "deadletters.DeleteOlderThan")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE failed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=deadletter.delete_older_than: %w", err)
	}
	return tag.RowsAffected(), nil
}
