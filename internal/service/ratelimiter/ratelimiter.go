// Package ratelimiter admits requests against fixed-window token buckets in
// the shared key-value store. Two buckets are consulted in order, the
// authenticated user first and the peer address second, so one abusive
// client cannot starve a NAT'd peer and vice versa.
package ratelimiter

import (
	"context"
	"log/slog"
	"time"

	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
)

type Scope string

const (
	ScopeUser Scope = "user"
	ScopePeer Scope = "peer"
)

// Decision reports the admission outcome plus the bucket values callers put
// on RateLimit-* headers. On deny the fields describe the denying bucket, on
// admit the user bucket.
type Decision struct {
	Allowed   bool
	Scope     Scope
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter is the whole-second wait the client should honor before the
// bucket resets. Never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait.Round(time.Second)
}

type bucket struct {
	scope  Scope
	limit  int64
	window time.Duration
}

type Limiter struct {
	store kvstore.Store
	user  bucket
	peer  bucket
	now   func() time.Time
}

func New(store kvstore.Store, userLimit int, userWindow time.Duration, peerLimit int, peerWindow time.Duration) *Limiter {
	return &Limiter{
		store: store,
		user:  bucket{scope: ScopeUser, limit: int64(userLimit), window: userWindow},
		peer:  bucket{scope: ScopePeer, limit: int64(peerLimit), window: peerWindow},
		now:   time.Now,
	}
}

// Allow consumes one token from the user bucket and, if that admits, one from
// the peer bucket. Store errors fail open: an unreachable limiter must not
// take the API down with it.
func (l *Limiter) Allow(ctx context.Context, userID, peerAddr string) (Decision, error) {
	if l == nil || l.store == nil {
		return Decision{Allowed: true}, nil
	}
	now := l.now()

	userRes, err := l.take(ctx, l.user, userID, now)
	if err != nil {
		slog.Error("rate limiter store error, failing open", slog.String("scope", string(ScopeUser)), slog.Any("error", err))
		return Decision{Allowed: true}, err
	}
	if !userRes.Allowed {
		observability.RateLimitDeniedTotal.WithLabelValues(string(ScopeUser)).Inc()
		return decisionFrom(ScopeUser, l.user.limit, userRes), nil
	}

	peerRes, err := l.take(ctx, l.peer, peerAddr, now)
	if err != nil {
		slog.Error("rate limiter store error, failing open", slog.String("scope", string(ScopePeer)), slog.Any("error", err))
		return Decision{Allowed: true}, err
	}
	if !peerRes.Allowed {
		observability.RateLimitDeniedTotal.WithLabelValues(string(ScopePeer)).Inc()
		return decisionFrom(ScopePeer, l.peer.limit, peerRes), nil
	}

	return decisionFrom(ScopeUser, l.user.limit, userRes), nil
}

func (l *Limiter) take(ctx context.Context, b bucket, principal string, now time.Time) (kvstore.TokenResult, error) {
	key := "ratelimit:" + string(b.scope) + ":" + principal
	return l.store.TakeToken(ctx, key, b.limit, b.window, now)
}

func decisionFrom(scope Scope, limit int64, res kvstore.TokenResult) Decision {
	return Decision{
		Allowed:   res.Allowed,
		Scope:     scope,
		Limit:     limit,
		Remaining: res.Remaining,
		Reset:     res.Reset,
	}
}
