// Package idempotency stores the canonical response for each (owner, key)
// pair so retried submissions replay byte-for-byte instead of re-admitting.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumapix/restoration-service/internal/adapter/kvstore"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/domain"
)

// TTL bounds how long a key replays. Retries past this window are treated as
// new submissions.
const TTL = 24 * time.Hour

// Entry is the canonical response captured at admission time. Body is raw
// bytes; JSON encoding base64s it transparently. Headers hold the minimal
// replayable set, never length or connection headers.
type Entry struct {
	Fingerprint string            `json:"fingerprint"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        []byte            `json:"body"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Result classifies a Lookup.
type Result int

const (
	Miss Result = iota
	Hit
	Conflict
)

// Fingerprint binds a stored response to the exact request that produced it.
// NUL separators keep `("a", "bc")` and `("ab", "c")` distinct.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateKey accepts only the canonical 36-character UUID form. Braced, URN
// and compact spellings of the same bits are rejected so one logical key has
// one spelling.
func ValidateKey(key string) error {
	if key == "" {
		return domain.ErrIdempotencyKeyMissing
	}
	if len(key) != 36 {
		return domain.ErrIdempotencyKeyInvalid
	}
	if _, err := uuid.Parse(key); err != nil {
		return domain.ErrIdempotencyKeyInvalid
	}
	return nil
}

type Store struct {
	kv  kvstore.Store
	ttl time.Duration
	now func() time.Time
}

func New(kv kvstore.Store) *Store {
	return &Store{kv: kv, ttl: TTL, now: time.Now}
}

func storeKey(userID, key string) string {
	return "idem:" + userID + ":" + key
}

// Lookup fetches the stored entry for (userID, key) and compares fingerprints.
// A corrupt entry is treated as a miss so a poisoned value cannot wedge the
// key for its whole TTL.
func (s *Store) Lookup(ctx context.Context, userID, key, fingerprint string) (Entry, Result, error) {
	raw, ok, err := s.kv.GetBytes(ctx, storeKey(userID, key))
	if err != nil {
		return Entry{}, Miss, fmt.Errorf("op=idempotency.Lookup: %w", err)
	}
	if !ok {
		return Entry{}, Miss, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("idempotency entry corrupt, treating as miss",
			slog.String("user_id", userID), slog.String("key", key), slog.Any("error", err))
		return Entry{}, Miss, nil
	}
	if e.Fingerprint != fingerprint {
		observability.IdempotencyConflictsTotal.Inc()
		return e, Conflict, nil
	}
	observability.IdempotencyReplaysTotal.Inc()
	return e, Hit, nil
}

// Save persists the canonical response. Server errors are never cached: the
// client is expected to retry those and deserves a fresh admission. The write
// is first-writer-wins; losing the race to an identical concurrent request is
// not an error.
func (s *Store) Save(ctx context.Context, userID, key string, e Entry) error {
	if e.Status < 200 || e.Status >= 500 {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=idempotency.Save: %w", err)
	}
	stored, err := s.kv.SetNX(ctx, storeKey(userID, key), raw, s.ttl)
	if err != nil {
		return fmt.Errorf("op=idempotency.Save: %w", err)
	}
	if !stored {
		slog.Debug("idempotency entry already present",
			slog.String("user_id", userID), slog.String("key", key))
	}
	return nil
}
