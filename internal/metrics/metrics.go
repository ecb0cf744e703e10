// Package metrics holds the registry's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RegistrationsTotal counts service registrations by kind
	// (registered / reregistered).
	RegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Name:      "registrations_total",
		Help:      "Service registrations processed.",
	}, []string{"kind"})

	// HeartbeatsTotal counts heartbeat reports.
	HeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atlas",
		Name:      "heartbeats_total",
		Help:      "Heartbeats received.",
	})

	// ProbesTotal counts active health probes by outcome.
	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Name:      "health_probes_total",
		Help:      "Active health probes by outcome.",
	}, []string{"outcome"})

	// HeartbeatTimeoutsTotal counts services flipped unhealthy by the
	// heartbeat-timeout sweep.
	HeartbeatTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "atlas",
		Name:      "heartbeat_timeouts_total",
		Help:      "Services marked unhealthy by the heartbeat sweep.",
	})

	// ServicesByStatus tracks the registered service count per status.
	ServicesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "atlas",
		Name:      "services",
		Help:      "Registered services by status.",
	}, []string{"status"})
)

// SetServiceCounts updates the per-status gauges from a stats snapshot.
func SetServiceCounts(healthy, unhealthy, unknown int) {
	ServicesByStatus.WithLabelValues("healthy").Set(float64(healthy))
	ServicesByStatus.WithLabelValues("unhealthy").Set(float64(unhealthy))
	ServicesByStatus.WithLabelValues("unknown").Set(float64(unknown))
}
