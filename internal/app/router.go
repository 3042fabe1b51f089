// Package app assembles the HTTP surface and the background loops that run
// inside the API process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumapix/restoration-service/internal/adapter/httpserver"
	"github.com/lumapix/restoration-service/internal/adapter/observability"
	"github.com/lumapix/restoration-service/internal/config"
)

// requestTimeout bounds every route except the push stream, which stays
// open far past any request deadline.
// HTTP_WRITE_TIMEOUT overrides it; the server-level write deadline stays off
// so it cannot sever open streams.
const requestTimeout = 30 * time.Second

// ParseOrigins splits a comma-separated origin list, trimming spaces.
// Empty input allows any origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler: middleware chain, the v1 surface,
// the push stream (mounted outside the timeout wrapper), health, metrics and
// the operator endpoints.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready http.HandlerFunc, lat *LatencyRecorder) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware(lat.Observe))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Location", "RateLimit-Limit", "RateLimit-Remaining", "RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	timeout := requestTimeout
	if cfg.HTTPWriteTimeout > 0 {
		timeout = cfg.HTTPWriteTimeout
	}
	r.Group(func(v chi.Router) {
		v.Use(httpserver.TimeoutMiddleware(timeout))
		v.Use(httpserver.Auth(srv.Verifier))
		v.Use(httpserver.RateLimit(srv.Limiter))
		v.Get("/v1/uploads/signed-url", srv.SignedURLHandler())
		v.Post("/v1/jobs", srv.SubmitHandler())
		v.Get("/v1/jobs/{id}", srv.JobHandler())
	})

	// long-lived stream, no timeout wrapper
	r.Group(func(st chi.Router) {
		st.Use(httpserver.Auth(srv.Verifier))
		st.Use(httpserver.RateLimit(srv.Limiter))
		st.Get("/v1/jobs/{id}/stream", srv.StreamHandler())
	})

	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/health/ready", ready)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/internal", func(in chi.Router) {
		in.Use(httpserver.TimeoutMiddleware(timeout))
		in.Use(httprate.LimitByIP(cfg.RateLimitIPLimit, cfg.RateLimitIPInterval))
		in.Use(srv.RequireOpsToken)
		in.Post("/credits/grant", srv.GrantHandler())
		in.Get("/queue/stats", srv.QueueStatsHandler())
		in.Get("/deadletters", srv.DeadLettersHandler())
		in.Post("/deadletters/{id}/replay", srv.ReplayDeadLetterHandler())
	})

	return httpserver.SecurityHeaders(r)
}
