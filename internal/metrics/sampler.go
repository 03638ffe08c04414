package metrics

import (
	"sync"
	"time"
)

type sample struct {
	ts       time.Time
	snapshot Snapshot
}

// Sampler periodically snapshots a Counters instance and reports rates over a
// trailing window. It backs the bandwidth line on the dashboard.
type Sampler struct {
	counters *Counters
	interval time.Duration
	window   time.Duration

	mu      sync.Mutex
	samples []sample
}

func NewSampler(counters *Counters, interval, window time.Duration) *Sampler {
	return &Sampler{
		counters: counters,
		interval: interval,
		window:   window,
		samples:  make([]sample, 0, int(window/interval)+2),
	}
}

func (s *Sampler) Start(stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.record(time.Now())

	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			s.record(t)
		}
	}
}

func (s *Sampler) record(now time.Time) {
	snap := s.counters.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, sample{ts: now, snapshot: snap})

	cutoff := now.Add(-s.window)
	idx := 0
	for idx < len(s.samples)-1 && s.samples[idx].ts.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		s.samples = s.samples[idx:]
	}
}

type WindowStats struct {
	Duration       time.Duration
	SampleCount    int
	DataTxBytes    uint64
	DataRxBytes    uint64
	PaddingTxBytes uint64
	PaddingRxBytes uint64
}

func (s *Sampler) Window() WindowStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) < 2 {
		return WindowStats{}
	}

	first := s.samples[0]
	last := s.samples[len(s.samples)-1]

	duration := last.ts.Sub(first.ts)
	if duration <= 0 {
		duration = s.interval
	}

	return WindowStats{
		Duration:       duration,
		SampleCount:    len(s.samples),
		DataTxBytes:    last.snapshot.DataTx - first.snapshot.DataTx,
		DataRxBytes:    last.snapshot.DataRx - first.snapshot.DataRx,
		PaddingTxBytes: last.snapshot.PaddingTx - first.snapshot.PaddingTx,
		PaddingRxBytes: last.snapshot.PaddingRx - first.snapshot.PaddingRx,
	}
}

func (w WindowStats) DataTxRate() float64 {
	if w.Duration <= 0 {
		return 0
	}
	return float64(w.DataTxBytes) / w.Duration.Seconds()
}

func (w WindowStats) DataRxRate() float64 {
	if w.Duration <= 0 {
		return 0
	}
	return float64(w.DataRxBytes) / w.Duration.Seconds()
}

func (w WindowStats) PaddingTxRate() float64 {
	if w.Duration <= 0 {
		return 0
	}
	return float64(w.PaddingTxBytes) / w.Duration.Seconds()
}

// EstimatedBandwidthBps reports total upstream usage, padding included, in
// bits per second.
func (w WindowStats) EstimatedBandwidthBps() float64 {
	if w.Duration <= 0 {
		return 0
	}
	total := float64(w.PaddingTxBytes+w.DataTxBytes) * 8
	return total / w.Duration.Seconds()
}
