package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	idleWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "funclite_pool_idle_workers",
			Help: "Idle workers waiting in each pool.",
		},
		[]string{"tag"},
	)

	acquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_pool_acquisitions_total",
			Help: "Worker acquisitions by outcome.",
		},
		[]string{"tag", "outcome"},
	)

	provisionedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_pool_provisioned_total",
			Help: "Worker creation attempts by outcome.",
		},
		[]string{"tag", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(idleWorkers)
	prometheus.MustRegister(acquisitionsTotal)
	prometheus.MustRegister(provisionedTotal)
}
