package metrics

import (
	"sync"
	"time"
)

// SlidingCounter tracks byte totals over a trailing time window using a ring
// of per-step buckets. It backs the per-subflow and per-stream rate lines on
// the dashboard, so alongside the raw Sum it exposes the windowed Rate
// directly.
type SlidingCounter struct {
	window time.Duration
	step   time.Duration

	mu      sync.Mutex
	buckets []bucket
	index   int
	last    time.Time
}

type bucket struct {
	stamp time.Time
	value int64
}

func NewSlidingCounter(window, step time.Duration) *SlidingCounter {
	if step <= 0 {
		step = 500 * time.Millisecond
	}
	bucketCount := int(window / step)
	if bucketCount <= 0 {
		bucketCount = 1
	}
	return &SlidingCounter{
		window:  window,
		step:    step,
		buckets: make([]bucket, bucketCount),
	}
}

func (s *SlidingCounter) Add(value int64) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	s.buckets[s.index].value += value
	s.buckets[s.index].stamp = now
}

// Sum returns the total recorded within the trailing window.
func (s *SlidingCounter) Sum() int64 {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roll(now)
	var total int64
	cutoff := now.Add(-s.window)
	for _, b := range s.buckets {
		if b.stamp.After(cutoff) {
			total += b.value
		}
	}
	return total
}

// Rate returns the per-second average over the trailing window. A nil
// counter reports zero so callers can render unset counters without guards.
func (s *SlidingCounter) Rate() float64 {
	if s == nil {
		return 0
	}
	return float64(s.Sum()) / s.window.Seconds()
}

// roll advances the ring to the bucket covering now, zeroing any buckets that
// were skipped while idle. Caller must hold s.mu.
func (s *SlidingCounter) roll(now time.Time) {
	if s.last.IsZero() {
		s.last = now
		return
	}
	elapsed := now.Sub(s.last)
	if elapsed < s.step {
		return
	}
	steps := int(elapsed / s.step)
	if steps > len(s.buckets) {
		steps = len(s.buckets)
	}
	for i := 0; i < steps; i++ {
		s.index = (s.index + 1) % len(s.buckets)
		s.buckets[s.index] = bucket{}
	}
	s.last = now
}
