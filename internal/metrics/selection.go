package metrics

import "github.com/prometheus/client_golang/prometheus"

// SelectionMetrics holds collectors for selection memory transitions.
type SelectionMetrics struct {
	Transitions *prometheus.CounterVec
	Targets     *prometheus.HistogramVec
}

// NewSelectionMetrics creates and registers selection memory metrics on the given registry.
func NewSelectionMetrics(reg prometheus.Registerer) *SelectionMetrics {
	m := &SelectionMetrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selection_memory",
			Name:      "transitions_total",
			Help:      "Total number of activation transitions handled, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		Targets: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selection_memory",
			Name:      "targets",
			Help:      "Number of targets restored or saved per transition.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}, []string{"operation"}),
	}

	reg.MustRegister(m.Transitions, m.Targets)
	return m
}

// ObserveTransition counts one handled transition.
func (m *SelectionMetrics) ObserveTransition(operation string, outcome string) {
	m.Transitions.WithLabelValues(operation, outcome).Inc()
}

// ObserveTargets records how many targets one transition moved.
func (m *SelectionMetrics) ObserveTargets(operation string, count int) {
	m.Targets.WithLabelValues(operation).Observe(float64(count))
}
