// Package kvstore provides the shared key-value store used for credit
// counters, rate-limit buckets and idempotency entries. All mutations are
// atomic: the Redis implementation runs Lua scripts, the in-process
// implementation holds a lock. The Failover wrapper switches to the
// in-process store while Redis is unreachable, trading distributed admission
// for availability.
package kvstore

import (
	"context"
	"time"
)

// TokenResult is the outcome of one fixed-window token-bucket admission.
type TokenResult struct {
	Allowed   bool
	Remaining int64
	Reset     time.Time
}

// Store is the atomic operation surface shared by the credit service, the
// rate limiter and the idempotency store.
type Store interface {
	// IncrWithLimit increments key iff its current value is below limit.
	// Returns the post-operation value and whether the increment happened.
	// ttl applies when the key has no expiry yet.
	IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)

	// DecrFloor decrements key but never below zero. Returns the new value.
	DecrFloor(ctx context.Context, key string) (int64, error)

	// DebitIfEnough subtracts amount iff the current value covers it.
	// Returns the post-operation value and whether the debit happened.
	DebitIfEnough(ctx context.Context, key string, amount int64) (int64, bool, error)

	// Credit adds amount to key (creating it at amount) and returns the new value.
	Credit(ctx context.Context, key string, amount int64) (int64, error)

	// GetInt reads an integer key; ok=false when absent.
	GetInt(ctx context.Context, key string) (int64, bool, error)

	// TakeToken admits against a fixed-window bucket per the documented
	// algorithm: expired or missing buckets restart at limit-1.
	TakeToken(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (TokenResult, error)

	// GetBytes reads an opaque value; ok=false when absent.
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)

	// SetNX writes value iff key is absent, with ttl. Returns whether it wrote.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
}
