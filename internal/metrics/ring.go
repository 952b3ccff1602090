package metrics

import (
	"sort"
	"sync"
	"time"
)

// RingHistogram keeps the last N latency samples for the inspect surface,
// which wants local quantiles without a scrape pipeline.
type RingHistogram struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	filled  bool
}

func NewRingHistogram(size int) *RingHistogram {
	if size <= 0 {
		size = 512
	}
	return &RingHistogram{samples: make([]time.Duration, size)}
}

func (r *RingHistogram) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = d
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

func (r *RingHistogram) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled {
		return len(r.samples)
	}
	return r.next
}

// Quantile returns the q-th (0..1) latency over retained samples; zero when
// empty.
func (r *RingHistogram) Quantile(q float64) time.Duration {
	r.mu.Lock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	if n == 0 {
		r.mu.Unlock()
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[n-1]
	}
	idx := int(q * float64(n-1))
	return sorted[idx]
}

// Thresholds flags a backlog that needs operator attention.
type Thresholds struct {
	MaxDepth int
	MaxAge   time.Duration
}

// Check returns human-readable warnings for breached thresholds.
func (t Thresholds) Check(depth int, oldest time.Duration) []string {
	var warnings []string
	if t.MaxDepth > 0 && depth > t.MaxDepth {
		warnings = append(warnings, "pending queue depth above threshold")
	}
	if t.MaxAge > 0 && oldest > t.MaxAge {
		warnings = append(warnings, "oldest pending operation above age threshold")
	}
	return warnings
}
