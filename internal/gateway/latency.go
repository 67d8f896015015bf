package gateway

import (
	"math"
	"sort"
	"sync"
)

// LatencyTracker keeps the last N compute latencies (ms) per operation in
// circular buffers and reports percentiles. Thread-safe.
type LatencyTracker struct {
	mu   sync.Mutex
	size int
	ops  map[string]*ring
}

type ring struct {
	samples []float64
	pos     int
	count   int
	total   uint64
}

// OpLatency is the percentile snapshot for one operation.
type OpLatency struct {
	Count uint64  `json:"count"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

// NewLatencyTracker creates a tracker that holds the last `capacity` samples per op.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LatencyTracker{size: capacity, ops: make(map[string]*ring)}
}

// Record adds a latency sample for op.
func (lt *LatencyTracker) Record(op string, latencyMs float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	r, ok := lt.ops[op]
	if !ok {
		r = &ring{samples: make([]float64, lt.size)}
		lt.ops[op] = r
	}
	r.samples[r.pos] = latencyMs
	r.pos = (r.pos + 1) % lt.size
	if r.count < lt.size {
		r.count++
	}
	r.total++
}

// Snapshot returns percentiles for every op seen so far.
func (lt *LatencyTracker) Snapshot() map[string]OpLatency {
	lt.mu.Lock()
	copies := make(map[string][]float64, len(lt.ops))
	totals := make(map[string]uint64, len(lt.ops))
	for op, r := range lt.ops {
		// order is irrelevant once sorted
		copies[op] = append([]float64(nil), r.samples[:r.count]...)
		totals[op] = r.total
	}
	lt.mu.Unlock()

	out := make(map[string]OpLatency, len(copies))
	for op, s := range copies {
		sort.Float64s(s)
		out[op] = OpLatency{
			Count: totals[op],
			P50:   percentile(s, 0.50),
			P95:   percentile(s, 0.95),
			P99:   percentile(s, 0.99),
		}
	}
	return out
}

// percentile interpolates the p-th percentile (0.0–1.0) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
