package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters exported by the reconciliation core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	polls       *prometheus.CounterVec
	extractions *prometheus.CounterVec
	approvals   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	notifyFails prometheus.Counter
}

// NewMetrics registers the tfgate collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tfgate",
			Name:      "polls_total",
			Help:      "Run polls by outcome.",
		}, []string{"outcome"}),
		extractions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tfgate",
			Name:      "plan_extractions_total",
			Help:      "Successful plan extractions by heuristic.",
		}, []string{"heuristic"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tfgate",
			Name:      "gate_approvals_total",
			Help:      "Approval gate calls by gate kind and result.",
		}, []string{"kind", "result"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tfgate",
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status.",
		}, []string{"status"}),
		notifyFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tfgate",
			Name:      "notify_failures_total",
			Help:      "Change notifications that could not be delivered.",
		}),
	}
}

func (m *Metrics) Poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Extraction(heuristic string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(heuristic).Inc()
}

func (m *Metrics) Approval(kind, result string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) NotifyFailure() {
	if m == nil {
		return
	}
	m.notifyFails.Inc()
}
