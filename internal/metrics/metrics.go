// Package metrics exposes gateline's Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the orchestrator collectors. A nil *Metrics is a no-op.
type Metrics struct {
	EventsAppended     *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	OwnershipConflicts prometheus.Counter
	EscalationsOpened  *prometheus.CounterVec
	SeqConflicts       prometheus.Counter
	ActiveStories      prometheus.Gauge
	GateResults        *prometheus.CounterVec
}

// New registers the collectors once per process.
//
//   - gateline_events_appended_total{kind}
//   - gateline_dispatches_total{agent_class}
//   - gateline_ownership_conflicts_total
//   - gateline_escalations_opened_total{severity}
//   - gateline_seq_conflicts_total
//   - gateline_active_stories
//   - gateline_gate_results_total{gate,outcome}
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateline_events_appended_total",
				Help: "Events appended to the log by kind",
			}, []string{"kind"}),
			Dispatches: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateline_dispatches_total",
				Help: "Stories dispatched to agents by agent class",
			}, []string{"agent_class"}),
			OwnershipConflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "gateline_ownership_conflicts_total",
				Help: "Dispatch candidates skipped because of a path ownership conflict",
			}),
			EscalationsOpened: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateline_escalations_opened_total",
				Help: "Escalations opened by severity",
			}, []string{"severity"}),
			SeqConflicts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "gateline_seq_conflicts_total",
				Help: "Optimistic append retries caused by a concurrent writer",
			}),
			ActiveStories: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "gateline_active_stories",
				Help: "Stories currently in progress",
			}),
			GateResults: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "gateline_gate_results_total",
				Help: "Recorded gate results by gate and effective outcome",
			}, []string{"gate", "outcome"}),
		}
	})
	return globalMetrics
}

func (m *Metrics) Appended(kind string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) Dispatched(class string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(class).Inc()
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.OwnershipConflicts.Inc()
}

func (m *Metrics) Escalated(severity string) {
	if m == nil {
		return
	}
	m.EscalationsOpened.WithLabelValues(severity).Inc()
}

func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.SeqConflicts.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveStories.Set(float64(n))
}

func (m *Metrics) GateResult(gate, outcome string) {
	if m == nil {
		return
	}
	m.GateResults.WithLabelValues(gate, outcome).Inc()
}
