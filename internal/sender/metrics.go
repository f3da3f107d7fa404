package sender

import "github.com/prometheus/client_golang/prometheus"

const (
	resultSent    = "sent"
	resultDropped = "dropped"
)

// Metrics holds Prometheus metrics for the sender. A nil *Metrics records
// nothing.
type Metrics struct {
	blocks        *prometheus.CounterVec
	bytes         prometheus.Counter
	fallbacks     prometheus.Counter
	pendingBlocks prometheus.Gauge
	pendingBytes  prometheus.Gauge
}

// NewMetrics creates and registers sender metrics with the given registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflux_sender_blocks_total",
			Help: "Blocks that left the queue, by result",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockflux_sender_bytes_total",
			Help: "Payload bytes written to block streams",
		}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blockflux_sender_stale_selections_total",
			Help: "Selections that named a block no longer queued",
		}),
		pendingBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockflux_sender_pending_blocks",
			Help: "Blocks waiting in the queue",
		}),
		pendingBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blockflux_sender_pending_bytes",
			Help: "Unsent bytes waiting in the queue",
		}),
	}
	registry.MustRegister(m.blocks, m.bytes, m.fallbacks, m.pendingBlocks, m.pendingBytes)
	return m
}

func (m *Metrics) blockDone(result string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(result).Inc()
}

func (m *Metrics) sent(n int) {
	if m == nil {
		return
	}
	m.bytes.Add(float64(n))
}

func (m *Metrics) fallback() {
	if m == nil {
		return
	}
	m.fallbacks.Inc()
}

func (m *Metrics) setPending(blocks int, bytes uint64) {
	if m == nil {
		return
	}
	m.pendingBlocks.Set(float64(blocks))
	m.pendingBytes.Set(float64(bytes))
}
