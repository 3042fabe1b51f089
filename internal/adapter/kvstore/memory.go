package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in-process. It preserves the Redis
// implementation's semantics for a single node and backs the failover path.
type MemoryStore struct {
	mu      sync.Mutex
	ints    map[string]memInt
	blobs   map[string]memBlob
	buckets map[string]memBucket
	now     func() time.Time
}

type memInt struct {
	val int64
	exp time.Time
}

type memBlob struct {
	data []byte
	exp  time.Time
}

type memBucket struct {
	remaining int64
	reset     time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ints:    map[string]memInt{},
		blobs:   map[string]memBlob{},
		buckets: map[string]memBucket{},
		now:     time.Now,
	}
}

func (s *MemoryStore) liveInt(key string) (memInt, bool) {
	e, ok := s.ints[key]
	if !ok {
		return memInt{}, false
	}
	if !e.exp.IsZero() && !e.exp.After(s.now()) {
		delete(s.ints, key)
		return memInt{}, false
	}
	return e, true
}

func (s *MemoryStore) IncrWithLimit(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveInt(key)
	if e.val >= limit {
		return e.val, false, nil
	}
	e.val++
	if !ok && ttl > 0 {
		e.exp = s.now().Add(ttl)
	}
	s.ints[key] = e
	return e.val, true, nil
}

func (s *MemoryStore) DecrFloor(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveInt(key)
	if e.val <= 0 {
		return e.val, nil
	}
	e.val--
	s.ints[key] = e
	return e.val, nil
}

func (s *MemoryStore) DebitIfEnough(_ context.Context, key string, amount int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveInt(key)
	if e.val < amount {
		return e.val, false, nil
	}
	e.val -= amount
	s.ints[key] = e
	return e.val, true, nil
}

func (s *MemoryStore) Credit(_ context.Context, key string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, _ := s.liveInt(key)
	e.val += amount
	s.ints[key] = e
	return e.val, nil
}

func (s *MemoryStore) GetInt(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveInt(key)
	if !ok {
		return 0, false, nil
	}
	return e.val, true, nil
}

func (s *MemoryStore) TakeToken(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (TokenResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok || !b.reset.After(now) {
		b = memBucket{remaining: limit - 1, reset: now.Add(window)}
		s.buckets[key] = b
		return TokenResult{Allowed: true, Remaining: b.remaining, Reset: b.reset}, nil
	}
	if b.remaining <= 0 {
		return TokenResult{Allowed: false, Remaining: 0, Reset: b.reset}, nil
	}
	b.remaining--
	s.buckets[key] = b
	return TokenResult{Allowed: true, Remaining: b.remaining, Reset: b.reset}, nil
}

func (s *MemoryStore) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !e.exp.After(s.now()) {
		delete(s.blobs, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.data))
	copy(out, e.data)
	return out, true, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.blobs[key]; ok && (e.exp.IsZero() || e.exp.After(s.now())) {
		return false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	e := memBlob{data: cp}
	if ttl > 0 {
		e.exp = s.now().Add(ttl)
	}
	s.blobs[key] = e
	return true, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
