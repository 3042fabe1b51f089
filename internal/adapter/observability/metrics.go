package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of restoration tasks enqueued",
		},
		[]string{"kind"},
	)
	JobsProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of restoration tasks currently processing",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of restoration tasks completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of restoration tasks failed",
		},
		[]string{"kind"},
	)
	DeadLettersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Total number of tasks archived after exhausting attempts",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Worker pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
		[]string{"stage"},
	)

	CreditDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_decisions_total",
			Help: "Credit admission decisions by outcome",
		},
		[]string{"outcome"},
	)
	CreditRefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credit_refunds_total",
			Help: "Credit refunds by original debit kind",
		},
		[]string{"kind"},
	)

	ModerationVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_verdicts_total",
			Help: "Moderation verdicts, including fail-closed rejections",
		},
		[]string{"verdict"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Generative provider calls by outcome",
		},
		[]string{"outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Generative provider call duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	RateLimitDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denied_total",
			Help: "Requests denied by the rate limiter, by bucket scope",
		},
		[]string{"scope"},
	)

	IdempotencyReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_replays_total",
			Help: "Admissions answered from the idempotency store",
		},
	)
	IdempotencyConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idempotency_conflicts_total",
			Help: "Admissions rejected for fingerprint divergence",
		},
	)

	SSEStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_streams_active",
			Help: "Open job status push streams",
		},
	)

	JobEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_events_published_total",
			Help: "Job status events published to the event bus",
		},
		[]string{"status"},
	)
	JobEventsConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_events_consumed_total",
			Help: "Job status events delivered to in-process subscribers",
		},
	)
	JobEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_events_dropped_total",
			Help: "Job status events discarded as malformed",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(DeadLettersTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(CreditDecisionsTotal)
	prometheus.MustRegister(CreditRefundsTotal)
	prometheus.MustRegister(ModerationVerdictsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(RateLimitDeniedTotal)
	prometheus.MustRegister(IdempotencyReplaysTotal)
	prometheus.MustRegister(IdempotencyConflictsTotal)
	prometheus.MustRegister(SSEStreamsActive)
	prometheus.MustRegister(JobEventsPublishedTotal)
	prometheus.MustRegister(JobEventsConsumedTotal)
	prometheus.MustRegister(JobEventsDroppedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
// observe, when non-nil, additionally receives every request duration; the
// readiness latency summary hangs off it.
func HTTPMetricsMiddleware(observe func(time.Duration)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			// Route pattern may be unavailable outside chi router; guard nil
			var route string
			if rc := chi.RouteContext(r.Context()); rc != nil {
				route = rc.RoutePattern()
			}
			if route == "" {
				route = r.URL.Path
			}
			HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
			HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur.Seconds())
			if observe != nil {
				observe(dur)
			}
		})
	}
}

// ObserveStages records the per-stage pipeline timings of one completed task.
func ObserveStages(classifyMS, promptMS, restoreMS, totalMS int64) {
	StageDuration.WithLabelValues("classify").Observe(float64(classifyMS) / 1000)
	StageDuration.WithLabelValues("prompt").Observe(float64(promptMS) / 1000)
	StageDuration.WithLabelValues("restore").Observe(float64(restoreMS) / 1000)
	StageDuration.WithLabelValues("total").Observe(float64(totalMS) / 1000)
}
