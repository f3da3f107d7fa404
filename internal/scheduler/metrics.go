package scheduler

import (
	"errors"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSelected = "selected"
	outcomeStale    = "stale"
	outcomeError    = "error"
)

// Metrics holds Prometheus metrics for scheduling decisions.
type Metrics struct {
	selections *prometheus.CounterVec
	drops      *prometheus.CounterVec
	candidates prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics with the given registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflux_scheduler_selections_total",
			Help: "Scheduling decisions by policy and outcome",
		}, []string{"policy", "outcome"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflux_scheduler_drop_decisions_total",
			Help: "Blocks the policy declared too late to send",
		}, []string{"policy"}),
		candidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockflux_scheduler_candidates",
			Help:    "Candidate blocks per scheduling round",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}),
	}

	registry.MustRegister(m.selections, m.drops, m.candidates)
	return m
}

func (m *Metrics) observeSelection(policy, outcome string, candidates int) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(policy, outcome).Inc()
	m.candidates.Observe(float64(candidates))
}

func (m *Metrics) observeDrop(policy string) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(policy).Inc()
}

// Instrument wraps s so every decision is counted and logged.
// Either m or logger may be nil.
func Instrument(s Scheduler, m *Metrics, logger *slog.Logger) Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &instrumented{Scheduler: s, metrics: m, logger: logger.With("policy", s.Name())}
}

type instrumented struct {
	Scheduler
	metrics *Metrics
	logger  *slog.Logger
}

func (i *instrumented) SelectBlock(blocks []Block, cond Conditions) (uint64, error) {
	id, err := i.Scheduler.SelectBlock(blocks, cond)
	if err != nil {
		i.metrics.observeSelection(i.Name(), outcomeError, len(blocks))
		if errors.Is(err, ErrNoEligibleBlock) {
			i.logger.Error("no block to schedule", "candidates", len(blocks), "now_ms", cond.Now)
		}
		return id, err
	}

	if _, ok := eligibleIDs(blocks)[id]; !ok {
		i.metrics.observeSelection(i.Name(), outcomeStale, len(blocks))
		i.logger.Warn("no eligible block, reusing previous selection", "block_id", id, "candidates", len(blocks))
		return id, nil
	}

	i.metrics.observeSelection(i.Name(), outcomeSelected, len(blocks))
	i.logger.Debug("block selected", "block_id", id, "candidates", len(blocks),
		"pacing_rate", cond.PacingRate, "rtt_ms", cond.RTT, "now_ms", cond.Now)
	return id, nil
}

func (i *instrumented) ShouldDropBlock(block Block, cond Conditions) bool {
	drop := i.Scheduler.ShouldDropBlock(block, cond)
	if drop {
		i.metrics.observeDrop(i.Name())
		i.logger.Debug("block past deadline", "block_id", block.ID, "age_ms", block.Age(cond.Now),
			"deadline_ms", block.Deadline, "priority", block.Priority, "remaining", block.Remaining, "size", block.Size)
	}
	return drop
}
