package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lumapix/restoration-service/internal/domain"
	"github.com/lumapix/restoration-service/internal/service/ratelimiter"
)

type identityKey struct{}

// IdentityFrom returns the verified caller stored by the auth middleware.
func IdentityFrom(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(domain.Identity)
	return id, ok
}

// Auth verifies the bearer credential and stores the identity in the
// context. Verifier outages surface as 503, not as a silent allow.
func Auth(verifier domain.TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeProblem(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized))
				return
			}
			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeProblem(w, r, err)
				return
			}
			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// RateLimit consults the user bucket then the peer bucket and reflects the
// deciding bucket on RateLimit-* headers. Must run after Auth.
func RateLimit(limiter *ratelimiter.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, _ := IdentityFrom(r.Context())
			dec, _ := limiter.Allow(r.Context(), identity.UserID, peerAddr(r))
			if dec.Limit > 0 {
				setRateHeaders(w, dec)
			}
			if !dec.Allowed {
				writeProblem(w, r, &domain.RateLimitedError{
					Scope:     string(dec.Scope),
					Limit:     dec.Limit,
					Remaining: dec.Remaining,
					Reset:     dec.Reset,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateHeaders reflects the deciding bucket; Reset is delta seconds per the
// IETF ratelimit-headers draft.
func setRateHeaders(w http.ResponseWriter, dec ratelimiter.Decision) {
	w.Header().Set("RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	w.Header().Set("RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	w.Header().Set("RateLimit-Reset", strconv.FormatInt(ceilSeconds(time.Until(dec.Reset)), 10))
}

// peerAddr is the remote host without the port; the limiter buckets by it.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
