package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over a Redis client. Every compound mutation is
// a single Lua script, so concurrent callers observe serialized state.
type RedisStore struct {
	rdb           *redis.Client
	incrWithLimit *redis.Script
	decrFloor     *redis.Script
	debitIfEnough *redis.Script
	takeToken     *redis.Script
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		incrWithLimit: redis.NewScript(luaIncrWithLimit),
		decrFloor:     redis.NewScript(luaDecrFloor),
		debitIfEnough: redis.NewScript(luaDebitIfEnough),
		takeToken:     redis.NewScript(luaTakeToken),
	}
}

const luaIncrWithLimit = `
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current >= limit then
  return {current, 0}
end
local new = redis.call("INCR", KEYS[1])
if ttl > 0 and redis.call("TTL", KEYS[1]) < 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return {new, 1}
`

const luaDecrFloor = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
  return current
end
return redis.call("DECR", KEYS[1])
`

const luaDebitIfEnough = `
local amount = tonumber(ARGV[1])
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current < amount then
  return {current, 0}
end
local new = redis.call("DECRBY", KEYS[1], amount)
return {new, 1}
`

const luaTakeToken = `
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call("HMGET", KEYS[1], "remaining", "reset")
local remaining = tonumber(data[1])
local reset = tonumber(data[2])
if remaining == nil or reset == nil or reset <= now then
  remaining = limit - 1
  reset = now + window
  redis.call("HMSET", KEYS[1], "remaining", remaining, "reset", reset)
  redis.call("EXPIRE", KEYS[1], window)
  return {1, remaining, reset}
end
if remaining <= 0 then
  return {0, 0, reset}
end
remaining = remaining - 1
redis.call("HSET", KEYS[1], "remaining", remaining)
return {1, remaining, reset}
`

func (s *RedisStore) IncrWithLimit(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	res, err := s.incrWithLimit.Run(ctx, s.rdb, []string{key}, limit, int64(ttl.Seconds())).Result()
	if err != nil {
		return 0, false, fmt.Errorf("op=kvstore.IncrWithLimit: %w", err)
	}
	vals, err := pairResult(res)
	if err != nil {
		return 0, false, fmt.Errorf("op=kvstore.IncrWithLimit: %w", err)
	}
	return vals[0], vals[1] == 1, nil
}

func (s *RedisStore) DecrFloor(ctx context.Context, key string) (int64, error) {
	res, err := s.decrFloor.Run(ctx, s.rdb, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.DecrFloor: %w", err)
	}
	return res, nil
}

func (s *RedisStore) DebitIfEnough(ctx context.Context, key string, amount int64) (int64, bool, error) {
	res, err := s.debitIfEnough.Run(ctx, s.rdb, []string{key}, amount).Result()
	if err != nil {
		return 0, false, fmt.Errorf("op=kvstore.DebitIfEnough: %w", err)
	}
	vals, err := pairResult(res)
	if err != nil {
		return 0, false, fmt.Errorf("op=kvstore.DebitIfEnough: %w", err)
	}
	return vals[0], vals[1] == 1, nil
}

func (s *RedisStore) Credit(ctx context.Context, key string, amount int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("op=kvstore.Credit: %w", err)
	}
	return n, nil
}

func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=kvstore.GetInt: %w", err)
	}
	return n, true, nil
}

func (s *RedisStore) TakeToken(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (TokenResult, error) {
	windowSec := int64(window.Seconds())
	if windowSec < 1 {
		windowSec = 1
	}
	res, err := s.takeToken.Run(ctx, s.rdb, []string{key}, limit, windowSec, now.Unix()).Result()
	if err != nil {
		return TokenResult{}, fmt.Errorf("op=kvstore.TakeToken: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return TokenResult{}, fmt.Errorf("op=kvstore.TakeToken: unexpected script result %v", res)
	}
	return TokenResult{
		Allowed:   coerceInt64(vals[0]) == 1,
		Remaining: coerceInt64(vals[1]),
		Reset:     time.Unix(coerceInt64(vals[2]), 0),
	}, nil
}

func (s *RedisStore) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("op=kvstore.GetBytes: %w", err)
	}
	return b, true, nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=kvstore.SetNX: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=kvstore.Ping: %w", err)
	}
	return nil
}

func pairResult(res interface{}) ([2]int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return [2]int64{}, fmt.Errorf("unexpected script result %v", res)
	}
	return [2]int64{coerceInt64(vals[0]), coerceInt64(vals[1])}, nil
}

func coerceInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
