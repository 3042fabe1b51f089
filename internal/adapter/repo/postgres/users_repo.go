package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/lumapix/restoration-service/internal/domain"
)

// UserRepo persists profile rows. The paid balance column mirrors the
// authoritative counter in the key-value store and may trail it.
type UserRepo struct{ Pool PgxPool }

func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads a user profile by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, COALESCE(email,''), paid_balance, created_at, updated_at FROM users WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PaidBalance, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// MirrorBalance upserts the profile row with the current paid balance.
func (r *UserRepo) MirrorBalance(ctx domain.Context, id string, balance int64) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.MirrorBalance")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO users (id, paid_balance, created_at, updated_at)
		VALUES ($1,$2,$3,$3)
		ON CONFLICT (id) DO UPDATE SET paid_balance=EXCLUDED.paid_balance, updated_at=EXCLUDED.updated_at`
	if _, err := r.Pool.Exec(ctx, q, id, balance, now); err != nil {
		return fmt.Errorf("op=user.mirror_balance: %w", err)
	}
	return nil
}
