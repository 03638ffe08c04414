package tui

import (
	"fmt"

	"github.com/muxtun/muxtun/internal/metrics"
)

// StatsProvider decorates another Provider with windowed bandwidth figures
// from a metrics sampler. The sampler line goes first so the throughput
// summary is always at the top of the dashboard.
type StatsProvider struct {
	Inner   Provider
	Sampler *metrics.Sampler
}

func (p *StatsProvider) Snapshot() Snapshot {
	var snap Snapshot
	if p.Inner != nil {
		snap = p.Inner.Snapshot()
	}
	if p.Sampler == nil {
		return snap
	}
	stats := p.Sampler.Window()
	header := []string{
		fmt.Sprintf("bandwidth %s (window %s, %d samples)",
			FormatMbps(stats.EstimatedBandwidthBps()),
			FormatDuration(stats.Duration),
			stats.SampleCount,
		),
		fmt.Sprintf("tx data=%s pad=%s | rx data=%s",
			FormatRate(stats.DataTxRate()),
			FormatRate(stats.PaddingTxRate()),
			FormatRate(stats.DataRxRate()),
		),
	}
	snap.Lines = append(header, snap.Lines...)
	return snap
}
