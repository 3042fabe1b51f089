package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumapix/restoration-service/internal/domain"
)

// LedgerRepo persists the append-only credit ledger. Refund claiming relies
// on the partial unique index over refund_of: at most one refund row may
// reference a given debit, so concurrent claims serialize in the database.
type LedgerRepo struct{ Pool PgxPool }

func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// Append inserts one ledger entry, generating its id when empty.
func (r *LedgerRepo) Append(ctx domain.Context, e domain.LedgerEntry) (string, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Append")
	defer span.End()
	span.SetAttributes(attribute.String("db.sql.table", "credit_ledger"))
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO credit_ledger (id, user_id, job_id, amount, kind, reason, refund_of, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.Pool.Exec(ctx, q, e.ID, e.UserID, e.JobID, e.Amount, e.Kind, e.Reason, e.RefundOf, e.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("op=ledger.append: %w", err)
	}
	return e.ID, nil
}

// ClaimRefund appends a refund for the newest not-yet-refunded debit of the
// job in a single statement. The anti-join excludes already-refunded debits
// and the unique index on refund_of makes a concurrent duplicate claim fail,
// which is reported as ErrNotFound like any other no-outstanding-debit case.
func (r *LedgerRepo) ClaimRefund(ctx domain.Context, userID, jobID, reason string) (domain.LedgerEntry, domain.CreditKind, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ClaimRefund")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))
	q := `INSERT INTO credit_ledger (id, user_id, job_id, amount, kind, reason, refund_of, created_at)
		SELECT $3, d.user_id, d.job_id, -d.amount, 'refund', $4, d.id, $5
		FROM credit_ledger d
		WHERE d.job_id = $2 AND d.user_id = $1 AND d.amount < 0
		  AND NOT EXISTS (SELECT 1 FROM credit_ledger r WHERE r.refund_of = d.id)
		ORDER BY d.created_at DESC
		LIMIT 1
		RETURNING id, user_id, job_id, amount, kind, reason, refund_of, created_at,
		          (SELECT kind FROM credit_ledger k WHERE k.id = refund_of)`
	row := r.Pool.QueryRow(ctx, q, userID, jobID, uuid.New().String(), reason, time.Now().UTC())
	var (
		e         domain.LedgerEntry
		debitKind domain.CreditKind
	)
	err := row.Scan(&e.ID, &e.UserID, &e.JobID, &e.Amount, &e.Kind, &e.Reason, &e.RefundOf, &e.CreatedAt, &debitKind)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return domain.LedgerEntry{}, "", fmt.Errorf("op=ledger.claim_refund: %w", domain.ErrNotFound)
		}
		return domain.LedgerEntry{}, "", fmt.Errorf("op=ledger.claim_refund: %w", err)
	}
	return e, debitKind, nil
}

// HasRefund reports whether any refund entry exists for the job.
func (r *LedgerRepo) HasRefund(ctx domain.Context, jobID string) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.HasRefund")
	defer span.End()
	q := `SELECT EXISTS (SELECT 1 FROM credit_ledger WHERE job_id=$1 AND kind='refund')`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=ledger.has_refund: %w", err)
	}
	return exists, nil
}

// ListByJob returns the job's ledger entries oldest first.
func (r *LedgerRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ListByJob")
	defer span.End()
	q := `SELECT id, user_id, job_id, amount, kind, reason, refund_of, created_at
		FROM credit_ledger WHERE job_id=$1 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list_by_job: %w", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.JobID, &e.Amount, &e.Kind, &e.Reason, &e.RefundOf, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledger.list_by_job_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.list_by_job_rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
