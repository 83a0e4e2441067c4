// Package metrics exports orchestrator Prometheus series. Metrics satisfies
// the recorder interfaces of the cache, web augmenter, conversation writer
// and coordinator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat-orchestrator/internal/domain"
)

const namespace = "orchestrator"

// Breaker state gauge values.
const (
	breakerClosed   = 0
	breakerHalfOpen = 1
	breakerOpen     = 2
)

type Metrics struct {
	Outcomes            *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	CacheLookups        *prometheus.CounterVec
	GenerationAttempts  *prometheus.CounterVec
	SourceResults       *prometheus.CounterVec
	BreakerStateGauge   prometheus.Gauge
	PersistFailures     prometheus.Counter
	PersistPendingGauge prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers every series on reg. Passing a fresh prometheus.Registry
// keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outcomes_total",
				Help:      "Orchestrated turns by outcome",
			},
			[]string{"outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each orchestration stage in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups by result",
			},
			[]string{"result"},
		),
		GenerationAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generation_attempts_total",
				Help:      "Generation calls by result",
			},
			[]string{"result"},
		),
		SourceResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_results_total",
				Help:      "Context source calls by source and result",
			},
			[]string{"source", "result"},
		),
		BreakerStateGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Web search circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
		),
		PersistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_failures_total",
				Help:      "Turns dropped after exhausting persistence retries",
			},
		),
		PersistPendingGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "persist_pending",
				Help:      "Turns waiting in the persistence outbox",
			},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Outcome(kind domain.OutcomeKind) {
	m.Outcomes.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Stage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) GenerationAttempt(result string) {
	m.GenerationAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SourceResult(source domain.Source, result string) {
	m.SourceResults.WithLabelValues(string(source), result).Inc()
}

// BreakerState records a breaker transition by state name.
func (m *Metrics) BreakerState(state string) {
	switch state {
	case "open":
		m.BreakerStateGauge.Set(breakerOpen)
	case "half-open":
		m.BreakerStateGauge.Set(breakerHalfOpen)
	default:
		m.BreakerStateGauge.Set(breakerClosed)
	}
}

func (m *Metrics) PersistFailed() {
	m.PersistFailures.Inc()
}

func (m *Metrics) PersistPending(delta int) {
	m.PersistPendingGauge.Add(float64(delta))
}
