package albion

import (
	"sync"
)

// RateLimitStats is a point-in-time snapshot of the observer.
type RateLimitStats struct {
	Ratio     float64 `json:"ratio"`
	Limited   int     `json:"limited"`
	Total     int     `json:"total"`
	Threshold float64 `json:"threshold"`
}

// minSamples is the number of observed outcomes required before the observer
// will recommend slowing down. Below this the ratio is too noisy to act on.
const minSamples = 10

// RateLimitObserver keeps a rolling window of the last N request outcomes and
// reports when the share of rate-limited responses crosses the threshold.
//
// The observer is owned by the Client and updated on every request; other
// components read it through the handle the client exposes. It is not a
// global.
type RateLimitObserver struct {
	mu        sync.Mutex
	window    []bool // true = rate-limited outcome
	next      int
	filled    int
	threshold float64
}

// NewRateLimitObserver creates an observer over a window of size outcomes.
func NewRateLimitObserver(size int, threshold float64) *RateLimitObserver {
	if size <= 0 {
		size = 100
	}
	return &RateLimitObserver{
		window:    make([]bool, size),
		threshold: threshold,
	}
}

// Record adds one request outcome to the rolling window.
func (o *RateLimitObserver) Record(limited bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.window[o.next] = limited
	o.next = (o.next + 1) % len(o.window)
	if o.filled < len(o.window) {
		o.filled++
	}
}

// ShouldSlowDown reports whether the rate-limited share of recent requests
// exceeds the configured threshold.
func (o *RateLimitObserver) ShouldSlowDown() bool {
	s := o.Stats()
	return s.Total >= minSamples && s.Ratio > s.Threshold
}

// Stats returns the current window ratio and totals.
func (o *RateLimitObserver) Stats() RateLimitStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	limited := 0
	for i := 0; i < o.filled; i++ {
		if o.window[i] {
			limited++
		}
	}
	ratio := 0.0
	if o.filled > 0 {
		ratio = float64(limited) / float64(o.filled)
	}
	return RateLimitStats{
		Ratio:     ratio,
		Limited:   limited,
		Total:     o.filled,
		Threshold: o.threshold,
	}
}
