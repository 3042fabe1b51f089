// Package credits implements atomic credit accounting: a per-day free-tier
// counter and a paid balance, both held in the shared key-value store and
// mutated only through its atomic operations, with an append-only ledger in
// the document store.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// Decision is the outcome of one admission debit.
type Decision struct {
	Allowed bool
	Kind    domain.CreditKind
	Amount  int64
	// Remaining is the free slots left after a free debit, or the paid
	// balance on a paid debit or deny.
	Remaining int64
}

type Service struct {
	store      kvstore.Store
	ledger     domain.LedgerRepository
	users      domain.UserRepository
	dailyLimit int64
	jobCost    int64
	now        func() time.Time
}

func New(store kvstore.Store, ledger domain.LedgerRepository, users domain.UserRepository, dailyLimit, jobCost int) *Service {
	return &Service{
		store:      store,
		ledger:     ledger,
		users:      users,
		dailyLimit: int64(dailyLimit),
		jobCost:    int64(jobCost),
		now:        time.Now,
	}
}

func (s *Service) freeKey(userID string) string {
	return "credits:free:" + userID + ":" + s.now().UTC().Format("2006-01-02")
}

func balanceKey(userID string) string { return "credits:balance:" + userID }

// CheckAndDeduct consumes a free daily slot when available, otherwise debits
// the paid balance. Deny returns Allowed=false with the paid balance as the
// remaining counter; no error is raised for plain insufficiency.
func (s *Service) CheckAndDeduct(ctx context.Context, userID, jobID string) (Decision, error) {
	tracer := otel.Tracer("service.credits")
	ctx, span := tracer.Start(ctx, "credits.check_and_deduct")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("job.id", jobID))

	freeKey := s.freeKey(userID)
	n, consumed, err := s.store.IncrWithLimit(ctx, freeKey, s.dailyLimit, 24*time.Hour)
	if err != nil {
		return Decision{}, fmt.Errorf("op=credits.CheckAndDeduct: free slot: %w", err)
	}
	if consumed {
		_, err := s.ledger.Append(ctx, domain.LedgerEntry{
			UserID: userID,
			JobID:  jobID,
			Amount: -1,
			Kind:   domain.CreditFree,
			Reason: "free daily slot",
		})
		if err != nil {
			// roll the slot back so the counter matches the ledger
			if _, derr := s.store.DecrFloor(ctx, freeKey); derr != nil {
				slog.Error("free slot rollback failed", slog.String("user_id", userID), slog.Any("error", derr))
			}
			return Decision{}, fmt.Errorf("op=credits.CheckAndDeduct: ledger append: %w", err)
		}
		observability.CreditDecisionsTotal.WithLabelValues("free").Inc()
		return Decision{Allowed: true, Kind: domain.CreditFree, Amount: 1, Remaining: s.dailyLimit - n}, nil
	}

	balance, ok, err := s.store.DebitIfEnough(ctx, balanceKey(userID), s.jobCost)
	if err != nil {
		return Decision{}, fmt.Errorf("op=credits.CheckAndDeduct: paid debit: %w", err)
	}
	if !ok {
		observability.CreditDecisionsTotal.WithLabelValues("denied").Inc()
		return Decision{Allowed: false, Remaining: balance}, nil
	}

	_, err = s.ledger.Append(ctx, domain.LedgerEntry{
		UserID: userID,
		JobID:  jobID,
		Amount: -s.jobCost,
		Kind:   domain.CreditPaid,
		Reason: "restoration job",
	})
	if err != nil {
		if _, cerr := s.store.Credit(ctx, balanceKey(userID), s.jobCost); cerr != nil {
			slog.Error("paid debit rollback failed", slog.String("user_id", userID), slog.Any("error", cerr))
		}
		return Decision{}, fmt.Errorf("op=credits.CheckAndDeduct: ledger append: %w", err)
	}
	s.mirrorAsync(ctx, userID, balance)
	observability.CreditDecisionsTotal.WithLabelValues("paid").Inc()
	return Decision{Allowed: true, Kind: domain.CreditPaid, Amount: s.jobCost, Remaining: balance}, nil
}

// Refund compensates the debit recorded for jobID. The ledger claim is the
// serialization point: once a refund row references the debit, later calls
// find nothing outstanding and no-op.
func (s *Service) Refund(ctx context.Context, userID, jobID, reason string) error {
	tracer := otel.Tracer("service.credits")
	ctx, span := tracer.Start(ctx, "credits.refund")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.String("job.id", jobID))

	refund, debitKind, err := s.ledger.ClaimRefund(ctx, userID, jobID, reason)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("refund no-op, no outstanding debit", slog.String("job_id", jobID))
			return nil
		}
		return fmt.Errorf("op=credits.Refund: claim: %w", err)
	}

	switch debitKind {
	case domain.CreditFree:
		if _, err := s.store.DecrFloor(ctx, s.freeKey(userID)); err != nil {
			return fmt.Errorf("op=credits.Refund: free counter: %w", err)
		}
	case domain.CreditPaid:
		balance, err := s.store.Credit(ctx, balanceKey(userID), refund.Amount)
		if err != nil {
			return fmt.Errorf("op=credits.Refund: paid balance: %w", err)
		}
		s.mirrorAsync(ctx, userID, balance)
	default:
		return fmt.Errorf("op=credits.Refund: %w: unexpected debit kind %q", domain.ErrInternal, debitKind)
	}

	observability.CreditRefundsTotal.WithLabelValues(string(debitKind)).Inc()
	slog.Info("credits refunded",
		slog.String("user_id", userID),
		slog.String("job_id", jobID),
		slog.String("kind", string(debitKind)),
		slog.Int64("amount", refund.Amount),
		slog.String("reason", reason))
	return nil
}

// Grant adds purchased credits to the paid balance and records the purchase.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant amount must be positive", domain.ErrInvalidArgument)
	}
	balance, err := s.store.Credit(ctx, balanceKey(userID), amount)
	if err != nil {
		return 0, fmt.Errorf("op=credits.Grant: %w", err)
	}
	_, err = s.ledger.Append(ctx, domain.LedgerEntry{
		UserID: userID,
		Amount: amount,
		Kind:   domain.CreditPurchase,
		Reason: reason,
	})
	if err != nil {
		if _, _, derr := s.store.DebitIfEnough(ctx, balanceKey(userID), amount); derr != nil {
			slog.Error("grant rollback failed", slog.String("user_id", userID), slog.Any("error", derr))
		}
		return 0, fmt.Errorf("op=credits.Grant: ledger append: %w", err)
	}
	s.mirrorAsync(ctx, userID, balance)
	return balance, nil
}

// Balances reports the current free-slot remainder and paid balance.
func (s *Service) Balances(ctx context.Context, userID string) (freeRemaining, paid int64, err error) {
	used, _, err := s.store.GetInt(ctx, s.freeKey(userID))
	if err != nil {
		return 0, 0, fmt.Errorf("op=credits.Balances: %w", err)
	}
	paid, _, err = s.store.GetInt(ctx, balanceKey(userID))
	if err != nil {
		return 0, 0, fmt.Errorf("op=credits.Balances: %w", err)
	}
	freeRemaining = s.dailyLimit - used
	if freeRemaining < 0 {
		freeRemaining = 0
	}
	return freeRemaining, paid, nil
}

// mirrorAsync pushes the authoritative balance to the user document without
// blocking the caller; failures are logged only.
func (s *Service) mirrorAsync(ctx context.Context, userID string, balance int64) {
	mirrorCtx := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(mirrorCtx, 5*time.Second)
		defer cancel()
		if err := s.users.MirrorBalance(ctx, userID, balance); err != nil {
			slog.Warn("balance mirror failed",
				slog.String("user_id", userID),
				slog.Int64("balance", balance),
				slog.Any("error", err))
		}
	}()
}
