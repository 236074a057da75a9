// Package telemetry registers the Prometheus metrics and the OTel
// tracer. Metrics are package globals registered at import time, the
// promauto way.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedStations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "csms_connected_stations",
		Help: "Stations currently holding a websocket session, by OCPP version.",
	}, []string{"version"})

	ActiveChargingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "csms_active_charging_sessions",
		Help: "Charging sessions in an active state.",
	})

	EnergyDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_energy_delivered_kwh_total",
		Help: "Total energy delivered across completed sessions, in kWh.",
	})

	OCPPMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_ocpp_messages_total",
		Help: "OCPP messages by action and direction.",
	}, []string{"action", "direction"})

	OCPPCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "csms_ocpp_call_duration_seconds",
		Help:    "Round-trip time of server-initiated calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	SessionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "csms_sessions_reaped_total",
		Help: "Stale charging sessions closed by the reaper.",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csms_http_requests_total",
		Help: "REST API requests by method and status class.",
	}, []string{"method", "status"})
)
