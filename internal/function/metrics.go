package function

import "github.com/prometheus/client_golang/prometheus"

var (
	invocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_function_invocations_total",
			Help: "Function invocations by tag and outcome.",
		},
		[]string{"tag", "outcome"},
	)

	invocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "funclite_function_invocation_duration_seconds",
			Help:    "Function invocation latency, including first-call binding.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tag"},
	)

	bindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_function_bindings_total",
			Help: "Workers bound to function versions by outcome.",
		},
		[]string{"tag", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(invocationsTotal)
	prometheus.MustRegister(invocationDuration)
	prometheus.MustRegister(bindingsTotal)
}
