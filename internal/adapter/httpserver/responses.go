// Package httpserver is the HTTP edge: the v1 surface, the push stream, the
// operator endpoints, and the middleware chain that fronts them.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/lumapix/restoration-service/internal/domain"
)

// problemTypeBase prefixes every problem type URI.
const problemTypeBase = "https://lumapix.dev/problems/"

// problem is an RFC 7807 document plus the extension members the error
// taxonomy defines. Extensions are pointers so absent members marshal away.
type problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	RemainingCredits *int64            `json:"remaining_credits,omitempty"`
	RetryAfter       *int64            `json:"retry_after,omitempty"`
	Categories       []string          `json:"categories,omitempty"`
	Fields           map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeProblem maps a domain error to its problem document. Typed errors
// contribute extension members; Retry-After is mirrored as a header so plain
// HTTP clients honor it too.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	writeProblemFields(w, r, err, nil)
}

func writeProblemFields(w http.ResponseWriter, r *http.Request, err error, fields map[string]string) {
	p := classify(err)
	p.Instance = "urn:request:" + r.Header.Get("X-Request-Id")
	p.Fields = fields

	if p.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.FormatInt(*p.RetryAfter, 10))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func classify(err error) problem {
	var (
		insufficient *domain.InsufficientCreditsError
		limited      *domain.RateLimitedError
		rejected     *domain.ModerationRejectedError
	)

	switch {
	case errors.Is(err, domain.ErrIdempotencyKeyMissing):
		return newProblem("idempotency-key-missing", "Idempotency Key Missing", http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrIdempotencyKeyInvalid):
		return newProblem("idempotency-key-invalid", "Idempotency Key Invalid", http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrUnauthorized):
		return newProblem("unauthorized", "Unauthorized", http.StatusUnauthorized, err)
	case errors.As(err, &insufficient):
		p := newProblem("insufficient-credits", "Insufficient Credits", http.StatusPaymentRequired, err)
		p.RemainingCredits = &insufficient.Remaining
		return p
	case errors.Is(err, domain.ErrForbidden):
		return newProblem("forbidden", "Forbidden", http.StatusForbidden, err)
	case errors.Is(err, domain.ErrNotFound):
		return newProblem("not-found", "Not Found", http.StatusNotFound, err)
	case errors.Is(err, domain.ErrConflict):
		return newProblem("idempotency-conflict", "Idempotency Conflict", http.StatusConflict, err)
	case errors.Is(err, domain.ErrPayloadTooLarge):
		p := newProblem("file-too-large", "File Too Large", http.StatusRequestEntityTooLarge, err)
		p.RetryAfter = ptrInt64(1)
		return p
	case errors.Is(err, domain.ErrUnsupportedMedia):
		return newProblem("unsupported-media-type", "Unsupported Media Type", http.StatusUnsupportedMediaType, err)
	case errors.As(err, &rejected):
		p := newProblem("moderation-rejected", "Moderation Rejected", http.StatusUnprocessableEntity, err)
		p.Categories = rejected.Flags
		return p
	case errors.Is(err, domain.ErrModerationRejected):
		return newProblem("moderation-rejected", "Moderation Rejected", http.StatusUnprocessableEntity, err)
	case errors.As(err, &limited):
		p := newProblem("rate-limit-exceeded", "Rate Limit Exceeded", http.StatusTooManyRequests, err)
		p.RetryAfter = ptrInt64(ceilSeconds(time.Until(limited.Reset)))
		return p
	case errors.Is(err, domain.ErrRateLimited):
		p := newProblem("rate-limit-exceeded", "Rate Limit Exceeded", http.StatusTooManyRequests, err)
		p.RetryAfter = ptrInt64(1)
		return p
	case errors.Is(err, domain.ErrInvalidArgument):
		return newProblem("invalid-payload", "Invalid Payload", http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrNotImplemented):
		return newProblem("not-implemented", "Not Implemented", http.StatusNotImplemented, err)
	case errors.Is(err, domain.ErrUnavailable):
		p := newProblem("service-unavailable", "Service Unavailable", http.StatusServiceUnavailable, err)
		p.RetryAfter = ptrInt64(5)
		return p
	default:
		// internal detail stays in the logs, not on the wire
		return problem{
			Type:   problemTypeBase + "internal",
			Title:  "Internal Error",
			Status: http.StatusInternalServerError,
		}
	}
}

func newProblem(kind, title string, status int, err error) problem {
	return problem{
		Type:   problemTypeBase + kind,
		Title:  title,
		Status: status,
		Detail: err.Error(),
	}
}

func ptrInt64(v int64) *int64 { return &v }

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
