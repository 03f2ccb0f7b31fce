// Package metrics exposes the prometheus registries for every Jasmin subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router (RC) metrics

	SubmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "router",
			Name:      "submit_total",
			Help:      "Total submit_sm admissions processed, by result",
		},
		[]string{"result"}, // success, auth_error, validation_error, charging_error, routing_error
	)

	DeliverTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "router",
			Name:      "deliver_total",
			Help:      "Total deliver_sm/DLR events classified, by kind",
		},
		[]string{"kind"}, // mo, dlr
	)

	ReassemblyBuffersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "jasmin",
			Subsystem: "router",
			Name:      "reassembly_buffers_active",
			Help:      "Number of long-content reassembly buffers currently open",
		},
	)

	// SCM metrics

	ConnectorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jasmin",
			Subsystem: "scm",
			Name:      "connector_state",
			Help:      "Current connector session state (enum value)",
		},
		[]string{"cid"},
	)

	ConnectorSubmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "scm",
			Name:      "submit_total",
			Help:      "Total submit_sm sent by a connector, by result",
		},
		[]string{"cid", "result"}, // acked, retried, failed, expired (throttling: ConnectorRateLimitRejections)
	)

	ConnectorRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "scm",
			Name:      "rate_limit_rejections_total",
			Help:      "Total submit_sm requeued due to throughput shaping",
		},
		[]string{"cid"},
	)

	ConnectorInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "jasmin",
			Subsystem: "scm",
			Name:      "in_flight",
			Help:      "Number of submit_sm awaiting submit_sm_resp",
		},
		[]string{"cid"},
	)

	// Thrower metrics

	ThrowerAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "thrower",
			Name:      "attempts_total",
			Help:      "Total delivery attempts made by a thrower, by kind and result",
		},
		[]string{"kind", "result"}, // kind: deliver_sm, dlr; result: success, retry, dropped
	)

	ThrowerCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "thrower",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trips by destination",
		},
		[]string{"kind"},
	)

	// Message Bus (MB) metrics

	MBPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "mb",
			Name:      "publish_total",
			Help:      "Total AMQP publishes, by routing key and result",
		},
		[]string{"routing_key", "result"},
	)

	// Hot Store (HS) metrics

	HSOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jasmin",
			Subsystem: "hs",
			Name:      "operations_total",
			Help:      "Total hot-store operations, by operation and result",
		},
		[]string{"op", "result"},
	)
)
