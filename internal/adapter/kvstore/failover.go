package kvstore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Failover routes every operation to the primary store and falls back to the
// in-process store when the primary errors. While degraded, single-node
// semantics hold but distributed admission is lost; readiness surfaces the
// flag so operators notice.
type Failover struct {
	primary  Store
	fallback Store
	degraded atomic.Bool
}

func NewFailover(primary, fallback Store) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// UsingFallback reports whether the last primary call failed.
func (f *Failover) UsingFallback() bool { return f.degraded.Load() }

func (f *Failover) observe(op string, err error) bool {
	if err == nil {
		f.degraded.Store(false)
		return false
	}
	if !f.degraded.Swap(true) {
		slog.Warn("kv store primary unavailable, serving from in-process fallback",
			slog.String("op", op), slog.Any("error", err))
	}
	return true
}

func (f *Failover) IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	n, ok, err := f.primary.IncrWithLimit(ctx, key, limit, ttl)
	if f.observe("IncrWithLimit", err) {
		return f.fallback.IncrWithLimit(ctx, key, limit, ttl)
	}
	return n, ok, err
}

func (f *Failover) DecrFloor(ctx context.Context, key string) (int64, error) {
	n, err := f.primary.DecrFloor(ctx, key)
	if f.observe("DecrFloor", err) {
		return f.fallback.DecrFloor(ctx, key)
	}
	return n, err
}

func (f *Failover) DebitIfEnough(ctx context.Context, key string, amount int64) (int64, bool, error) {
	n, ok, err := f.primary.DebitIfEnough(ctx, key, amount)
	if f.observe("DebitIfEnough", err) {
		return f.fallback.DebitIfEnough(ctx, key, amount)
	}
	return n, ok, err
}

func (f *Failover) Credit(ctx context.Context, key string, amount int64) (int64, error) {
	n, err := f.primary.Credit(ctx, key, amount)
	if f.observe("Credit", err) {
		return f.fallback.Credit(ctx, key, amount)
	}
	return n, err
}

func (f *Failover) GetInt(ctx context.Context, key string) (int64, bool, error) {
	n, ok, err := f.primary.GetInt(ctx, key)
	if f.observe("GetInt", err) {
		return f.fallback.GetInt(ctx, key)
	}
	return n, ok, err
}

func (f *Failover) TakeToken(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (TokenResult, error) {
	res, err := f.primary.TakeToken(ctx, key, limit, window, now)
	if f.observe("TakeToken", err) {
		return f.fallback.TakeToken(ctx, key, limit, window, now)
	}
	return res, err
}

func (f *Failover) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok, err := f.primary.GetBytes(ctx, key)
	if f.observe("GetBytes", err) {
		return f.fallback.GetBytes(ctx, key)
	}
	return b, ok, err
}

func (f *Failover) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := f.primary.SetNX(ctx, key, value, ttl)
	if f.observe("SetNX", err) {
		return f.fallback.SetNX(ctx, key, value, ttl)
	}
	return ok, err
}

// Ping probes the primary only; a failing primary flips the degraded flag
// but Ping itself succeeds because the fallback keeps serving.
func (f *Failover) Ping(ctx context.Context) error {
	err := f.primary.Ping(ctx)
	if f.observe("Ping", err) {
		return f.fallback.Ping(ctx)
	}
	return err
}
