package firecracker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/funclite/internal/guest"
)

var (
	runningVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "funclite_firecracker_running_vms",
			Help: "Firecracker microVMs currently running as workers.",
		},
	)

	bootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funclite_firecracker_boot_seconds",
			Help:    "Time from VMM start until the guest agent answers.",
			Buckets: prometheus.DefBuckets,
		},
	)

	guestCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_firecracker_guest_calls_total",
			Help: "Guest agent calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(runningVMs)
	prometheus.MustRegister(bootDuration)
	prometheus.MustRegister(guestCalls)

	for _, op := range []string{guest.OpPing, guest.OpLoad, guest.OpInvoke} {
		guestCalls.WithLabelValues(op, "ok")
		guestCalls.WithLabelValues(op, "error")
	}
}
