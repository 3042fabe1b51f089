package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/lumapix/restoration-service/internal/domain"
)

// AuditRepo appends moderation and replay audit rows. Both tables are
// write-only from the application's point of view.
type AuditRepo struct{ Pool PgxPool }

func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

// AppendModeration records one moderation verdict, fail-closed ones included.
func (r *AuditRepo) AppendModeration(ctx domain.Context, a domain.ModerationAudit) error {
	tracer := otel.Tracer("repo.audits")
	ctx, span := tracer.Start(ctx, "audits.AppendModeration")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO moderation_audits (id, user_id, allowed, flags, rejection, fail_closed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.UserID, a.Allowed, a.Flags, a.Rejection, a.FailClosed, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=audit.append_moderation: %w", err)
	}
	return nil
}

// AppendReplay records one operator-initiated dead-letter replay.
func (r *AuditRepo) AppendReplay(ctx domain.Context, a domain.ReplayAudit) error {
	tracer := otel.Tracer("repo.audits")
	ctx, span := tracer.Start(ctx, "audits.AppendReplay")
	defer span.End()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO replay_audits (id, dead_letter_id, job_id, new_task_id, replayed_by, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.DeadLetterID, a.JobID, a.NewTaskID, a.ReplayedBy, a.Reason, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("op=audit.append_replay: %w", err)
	}
	return nil
}
