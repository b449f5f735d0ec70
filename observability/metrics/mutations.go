package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MutationMetrics tracks the outcome of remote policy mutations submitted by
// the SDK client.
type MutationMetrics struct {
	submitted *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	retries   prometheus.Counter
}

var (
	mutationsOnce     sync.Once
	mutationsRegistry *MutationMetrics
)

// Mutations returns the process-wide mutation metrics, registering the
// collectors on first use.
func Mutations() *MutationMetrics {
	mutationsOnce.Do(func() {
		mutationsRegistry = &MutationMetrics{
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_mutations_submitted_total",
				Help: "Count of mutation submissions by field.",
			}, []string{"field"}),
			rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_mutations_rejected_total",
				Help: "Count of mutations rejected by the remote authority, by field.",
			}, []string{"field"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_mutation_precondition_retries_total",
				Help: "Count of single re-fetch retries after a precondition mismatch.",
			}),
		}
		prometheus.MustRegister(
			mutationsRegistry.submitted,
			mutationsRegistry.rejected,
			mutationsRegistry.retries,
		)
	})
	return mutationsRegistry
}

func (m *MutationMetrics) ObserveSubmitted(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "unknown"
	}
	m.submitted.WithLabelValues(field).Inc()
}

func (m *MutationMetrics) ObserveRejected(field string) {
	if m == nil {
		return
	}
	if field == "" {
		field = "unknown"
	}
	m.rejected.WithLabelValues(field).Inc()
}

func (m *MutationMetrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}
