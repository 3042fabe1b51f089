package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumapix/restoration-service/internal/domain"
)

// CleanupService enforces the dead-letter retention window and prunes audit
// rows that outlived it.
type CleanupService struct {
	DeadLetters   domain.DeadLetterRepository
	Pool          PgxPool
	RetentionDays int
}

func NewCleanupService(dl domain.DeadLetterRepository, pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{DeadLetters: dl, Pool: pool, RetentionDays: retentionDays}
}

// CleanupOldData removes dead letters and audits past retention.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	removed, err := s.DeadLetters.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.dead_letters: %w", err)
	}

	var removedAudits int64
	for _, table := range []string{"moderation_audits", "replay_audits"} {
		tag, err := s.Pool.Exec(ctx, `DELETE FROM `+table+` WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("op=cleanup.%s: %w", table, err)
		}
		removedAudits += tag.RowsAffected()
	}

	slog.Info("retention cleanup completed",
		slog.Int64("dead_letters_removed", removed),
		slog.Int64("audits_removed", removedAudits),
		slog.Time("cutoff", cutoff))
	return nil
}

// RunPeriodic runs CleanupOldData once immediately and then on the interval
// until the context is canceled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial retention cleanup failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention cleanup stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic retention cleanup failed", slog.Any("error", err))
			}
		}
	}
}
