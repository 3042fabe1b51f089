package app

import (
	"sort"
	"sync"
	"time"
)

// LatencyRecorder keeps a bounded ring of recent request durations for the
// readiness latency summary.
type LatencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
	total   int64
}

// NewLatencyRecorder sizes the ring; size <= 0 falls back to 1000 samples.
func NewLatencyRecorder(size int) *LatencyRecorder {
	if size <= 0 {
		size = 1000
	}
	return &LatencyRecorder{samples: make([]time.Duration, size)}
}

// Observe records one request duration.
func (r *LatencyRecorder) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
	r.total++
}

// LatencySummary is the sampled view served on the readiness endpoint.
type LatencySummary struct {
	Count  int64   `json:"count"`
	Sample int     `json:"sample"`
	AvgMS  float64 `json:"avg_ms"`
	P50MS  float64 `json:"p50_ms"`
	P95MS  float64 `json:"p95_ms"`
	P99MS  float64 `json:"p99_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// Summary computes percentiles over the current ring contents.
func (r *LatencyRecorder) Summary() LatencySummary {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	window := make([]time.Duration, n)
	copy(window, r.samples[:n])
	total := r.total
	r.mu.Unlock()

	s := LatencySummary{Count: total, Sample: n}
	if n == 0 {
		return s
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var sum time.Duration
	for _, d := range window {
		sum += d
	}
	s.AvgMS = ms(sum) / float64(n)
	s.P50MS = ms(window[percentileIndex(n, 0.50)])
	s.P95MS = ms(window[percentileIndex(n, 0.95)])
	s.P99MS = ms(window[percentileIndex(n, 0.99)])
	s.MaxMS = ms(window[n-1])
	return s
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n)*p+0.5) - 1
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
