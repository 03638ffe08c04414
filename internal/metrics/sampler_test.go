package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestWindowStatsRates(t *testing.T) {
	counters := NewCounters(prometheus.NewRegistry(), "muxtun_test")
	sampler := NewSampler(counters, 50*time.Millisecond, 200*time.Millisecond)

	now := time.Now()
	sampler.record(now)

	counters.AddPaddingTx(500)
	counters.AddDataTx(1500)
	counters.AddDataRx(1000)

	sampler.record(now.Add(200 * time.Millisecond))

	window := sampler.Window()
	if window.SampleCount < 2 {
		t.Fatalf("expected at least two samples, got %d", window.SampleCount)
	}

	if got, want := int(window.PaddingTxBytes), 500; got != want {
		t.Fatalf("padding bytes mismatch: got %d, want %d", got, want)
	}
	if got, want := int(window.DataTxBytes), 1500; got != want {
		t.Fatalf("data tx bytes mismatch: got %d, want %d", got, want)
	}

	rate := window.DataTxRate()
	if rate <= 0 {
		t.Fatalf("expected positive data tx rate, got %f", rate)
	}

	mbps := window.EstimatedBandwidthBps()
	if mbps <= 0 {
		t.Fatalf("expected positive bandwidth, got %f", mbps)
	}
}

func TestCountersNilReceiver(t *testing.T) {
	var counters *Counters
	counters.AddDataTx(10)
	counters.AddPaddingRx(10)
	counters.ObserveCreditWait(time.Millisecond)
	counters.StreamOpened()
	counters.StreamClosed()
	counters.Retransmit()
	if snap := counters.Snapshot(); snap != (Snapshot{}) {
		t.Fatalf("nil counters should snapshot zero, got %+v", snap)
	}
}

func TestCountersSnapshotTotals(t *testing.T) {
	counters := NewCounters(prometheus.NewRegistry(), "muxtun_test")
	counters.AddDataTx(100)
	counters.AddDataTx(50)
	counters.AddDataRx(25)
	counters.AddPaddingTx(10)

	snap := counters.Snapshot()
	if snap.DataTx != 150 || snap.DataRx != 25 || snap.PaddingTx != 10 || snap.PaddingRx != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
