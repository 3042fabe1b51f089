package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumapix/restoration-service/internal/domain"
)

const probeTimeout = 2 * time.Second

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// FallbackReporter reports whether a store is currently serving from its
// in-process fallback instead of the primary backend.
type FallbackReporter interface{ UsingFallback() bool }

// Check is a single readiness probe. Hard checks gate traffic; soft checks
// only mark the service degraded.
type Check struct {
	Name  string
	Hard  bool
	Probe func(ctx context.Context) error
}

// PostgresCheck probes the job store pool. The API cannot admit work without
// it, so the check is hard.
func PostgresCheck(pool Pinger) Check {
	return Check{Name: "postgres", Hard: true, Probe: func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("pool not configured")
		}
		return pool.Ping(ctx)
	}}
}

// QueueCheck probes the task engine by asking for queue stats.
func QueueCheck(q domain.Queue) Check {
	return Check{Name: "queue", Hard: true, Probe: func(ctx context.Context) error {
		if q == nil {
			return fmt.Errorf("queue not configured")
		}
		_, err := q.Stats(ctx)
		return err
	}}
}

// KVCheck probes the counter store. A failover store answers Ping from its
// fallback, so this stays soft and the fallback flag drives degraded instead.
func KVCheck(kv Pinger) Check {
	return Check{Name: "kv", Hard: false, Probe: func(ctx context.Context) error {
		if kv == nil {
			return fmt.Errorf("kv not configured")
		}
		return kv.Ping(ctx)
	}}
}

// ReadyHandler runs the checks and reports ready, degraded, or unavailable.
// Any hard failure answers 503; soft failures and an active fallback answer
// 200 with the degraded flag set so deploy tooling keeps routing traffic.
func ReadyHandler(checks []Check, fallback FallbackReporter, lat *LatencyRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(checks))
		hardDown := false
		degraded := false
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := c.Probe(ctx)
			cancel()
			if err == nil {
				results[c.Name] = "ok"
				continue
			}
			results[c.Name] = err.Error()
			if c.Hard {
				hardDown = true
			} else {
				degraded = true
			}
		}
		if fallback != nil && fallback.UsingFallback() {
			degraded = true
			if results["kv"] == "ok" {
				results["kv"] = "serving from in-process fallback"
			}
		}

		status := "ready"
		code := http.StatusOK
		switch {
		case hardDown:
			status = "unavailable"
			code = http.StatusServiceUnavailable
		case degraded:
			status = "degraded"
		}

		body := map[string]any{
			"status":   status,
			"degraded": degraded,
			"checks":   results,
		}
		if lat != nil {
			body["latency"] = lat.Summary()
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}
}
