package consensus

import (
	"sort"
	"sync"
)

// LatencyStats holds commit-latency percentiles in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// latencyTracker keeps a bounded sample window of submit-to-commit
// latencies and computes percentiles on demand.
type latencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
	count   int
}

func newLatencyTracker(window int) *latencyTracker {
	if window <= 0 {
		window = 1024
	}
	return &latencyTracker{samples: make([]float64, window)}
}

// Observe records one latency sample in milliseconds.
func (t *latencyTracker) Observe(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.next] = ms
	t.next++
	t.count++
	if t.next == len(t.samples) {
		t.next = 0
		t.full = true
	}
}

// Stats computes p50/p95/p99 over the current window.
func (t *latencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	n := t.next
	if t.full {
		n = len(t.samples)
	}
	window := make([]float64, n)
	copy(window, t.samples[:n])
	count := t.count
	t.mu.Unlock()

	stats := LatencyStats{Count: count}
	if n == 0 {
		return stats
	}
	sort.Float64s(window)
	stats.P50 = percentile(window, 0.50)
	stats.P95 = percentile(window, 0.95)
	stats.P99 = percentile(window, 0.99)
	return stats
}

// percentile expects sorted input.
func percentile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
