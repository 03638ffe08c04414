package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters aggregates traffic and flow-control metrics for one process. All
// methods are safe on a nil receiver so library code can record without
// caring whether metrics were wired up.
type Counters struct {
	dataTx    atomic.Uint64
	dataRx    atomic.Uint64
	paddingTx atomic.Uint64
	paddingRx atomic.Uint64

	promDataTx    prometheus.Counter
	promDataRx    prometheus.Counter
	promPaddingTx prometheus.Counter
	promPaddingRx prometheus.Counter
	creditWait    prometheus.Histogram
	streamsOpen   prometheus.Gauge
	streamsTotal  prometheus.Counter
	retransmits   prometheus.Counter
}

// NewCounters registers the metric family on r under the given namespace.
func NewCounters(r prometheus.Registerer, namespace string) *Counters {
	f := promauto.With(r)
	return &Counters{
		promDataTx: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_tx_bytes_total",
			Help:      "Bytes of stream payload sent.",
		}),
		promDataRx: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_rx_bytes_total",
			Help:      "Bytes of stream payload received.",
		}),
		promPaddingTx: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "padding_tx_bytes_total",
			Help:      "Bytes of warm-up padding sent.",
		}),
		promPaddingRx: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "padding_rx_bytes_total",
			Help:      "Bytes of warm-up padding received and discarded.",
		}),
		creditWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_wait_seconds",
			Help:      "Time spent waiting for send credit before a frame could be queued.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		streamsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_open",
			Help:      "Streams currently open.",
		}),
		streamsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Streams opened since start.",
		}),
		retransmits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmits_total",
			Help:      "Data frames retransmitted after SACK holes.",
		}),
	}
}

func (c *Counters) AddDataTx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.dataTx.Add(uint64(n))
	c.promDataTx.Add(float64(n))
}

func (c *Counters) AddDataRx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.dataRx.Add(uint64(n))
	c.promDataRx.Add(float64(n))
}

func (c *Counters) AddPaddingTx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.paddingTx.Add(uint64(n))
	c.promPaddingTx.Add(float64(n))
}

func (c *Counters) AddPaddingRx(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.paddingRx.Add(uint64(n))
	c.promPaddingRx.Add(float64(n))
}

func (c *Counters) ObserveCreditWait(d time.Duration) {
	if c == nil {
		return
	}
	c.creditWait.Observe(d.Seconds())
}

func (c *Counters) StreamOpened() {
	if c == nil {
		return
	}
	c.streamsOpen.Inc()
	c.streamsTotal.Inc()
}

func (c *Counters) StreamClosed() {
	if c == nil {
		return
	}
	c.streamsOpen.Dec()
}

func (c *Counters) Retransmit() {
	if c == nil {
		return
	}
	c.retransmits.Inc()
}

// Snapshot is a point-in-time copy of the byte totals, used by the sampler to
// compute windowed rates without touching the prometheus registry.
type Snapshot struct {
	DataTx    uint64
	DataRx    uint64
	PaddingTx uint64
	PaddingRx uint64
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		DataTx:    c.dataTx.Load(),
		DataRx:    c.dataRx.Load(),
		PaddingTx: c.paddingTx.Load(),
		PaddingRx: c.paddingRx.Load(),
	}
}
