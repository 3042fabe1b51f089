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

// JobRepo persists job records. Terminal statuses are monotonic: every
// transition statement carries a `status NOT IN ('succeeded','failed')` guard
// and reports via RowsAffected whether it won.
type JobRepo struct{ Pool PgxPool }

func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, status, prompt, source_object, source_format,
	preprocessing, moderation, credit_amount, credit_kind, classification,
	enhanced_prompt, timings, provider, result_object, error_kind,
	error_message, attempts, created_at, updated_at, started_at, completed_at`

// Create inserts the job with status=queued.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.sql.table", "jobs"),
		attribute.String("job.id", j.ID),
	)
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	q := `INSERT INTO jobs (id, user_id, status, prompt, source_object, source_format,
		preprocessing, moderation, credit_amount, credit_kind, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`
	_, err := r.Pool.Exec(ctx, q, j.ID, j.UserID, j.Status, j.Prompt, j.SourceObject,
		j.SourceFormat, j.Preprocessing, j.Moderation, j.Credit.Amount, j.Credit.Kind,
		j.Attempts, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// MarkRunning merges status=running, the attempt counter and started-at.
// Returns false when the row is already terminal.
func (r *JobRepo) MarkRunning(ctx domain.Context, id string, attempt int) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkRunning")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, attempts=$3, started_at=COALESCE(started_at,$4), updated_at=$4
		WHERE id=$1 AND status NOT IN ('succeeded','failed')`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobRunning, attempt, now)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSucceeded merges the completion fields and flips status=succeeded.
// Returns false when a concurrent writer already made the row terminal.
func (r *JobRepo) MarkSucceeded(ctx domain.Context, id string, c domain.JobCompletion) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkSucceeded")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, result_object=$3, enhanced_prompt=$4,
		classification=$5, timings=$6, provider=$7,
		error_kind=NULL, error_message=NULL, completed_at=$8, updated_at=$8
		WHERE id=$1 AND status NOT IN ('succeeded','failed')`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobSucceeded, c.ResultObject,
		c.EnhancedPrompt, c.Classification, c.Timings, c.Provider, now)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_succeeded: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed records the error block and flips status=failed.
func (r *JobRepo) MarkFailed(ctx domain.Context, id string, kind, message string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, error_kind=$3, error_message=$4,
		result_object='', completed_at=$5, updated_at=$5
		WHERE id=$1 AND status NOT IN ('succeeded','failed')`
	tag, err := r.Pool.Exec(ctx, q, id, domain.JobFailed, kind,
		domain.TruncateFailureMessage(message), now)
	if err != nil {
		return false, fmt.Errorf("op=job.mark_failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStalled returns running jobs whose last update is older than cutoff.
func (r *JobRepo) ListStalled(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStalled")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status='running' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stalled: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stalled_scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stalled_rows: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j          domain.Job
		errKind    *string
		errMessage *string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Status, &j.Prompt, &j.SourceObject,
		&j.SourceFormat, &j.Preprocessing, &j.Moderation, &j.Credit.Amount,
		&j.Credit.Kind, &j.Classification, &j.EnhancedPrompt, &j.Timings,
		&j.Provider, &j.ResultObject, &errKind, &errMessage, &j.Attempts,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if errKind != nil {
		msg := ""
		if errMessage != nil {
			msg = *errMessage
		}
		j.Error = &domain.JobError{Kind: *errKind, Message: msg}
	}
	return j, nil
}
