// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes for PlanDeliveries
const (
	DeliveryPushed = "pushed"
	DeliveryFailed = "failed"
	DeliveryPull   = "pull"
)

var (
	CodesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eckdisplay_codes_issued_total",
			Help: "Pairing and registration codes issued, by domain.",
		},
		[]string{"domain"},
	)

	CodeExhaustions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eckdisplay_code_space_exhausted_total",
			Help: "Code allocations that ran out of attempts, by domain.",
		},
		[]string{"domain"},
	)

	DevicesPaired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eckdisplay_devices_paired_total",
			Help: "Devices bound to an organisation, by entry point.",
		},
		[]string{"path"},
	)

	PendingCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eckdisplay_pending_devices_removed_total",
			Help: "Abandoned pending devices removed on disconnect.",
		},
	)

	PlanDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eckdisplay_plan_deliveries_total",
			Help: "Day plan delivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	LiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eckdisplay_live_connections",
			Help: "Open device websocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CodesIssued,
		CodeExhaustions,
		DevicesPaired,
		PendingCleanups,
		PlanDeliveries,
		LiveConnections,
	)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
