package fleet

import "github.com/prometheus/client_golang/prometheus"

var (
	replicaGroups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "funclite_fleet_replica_groups",
			Help: "Replica groups currently serving each app.",
		},
		[]string{"app"},
	)

	scaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_fleet_scale_events_total",
			Help: "Scale operations by direction and outcome.",
		},
		[]string{"app", "direction", "outcome"},
	)

	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_fleet_dispatches_total",
			Help: "Requests routed to a replica group.",
		},
		[]string{"app"},
	)
)

func init() {
	prometheus.MustRegister(replicaGroups)
	prometheus.MustRegister(scaleEventsTotal)
	prometheus.MustRegister(dispatchesTotal)
}
