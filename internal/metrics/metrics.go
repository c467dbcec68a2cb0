// Package metrics provides Prometheus metrics for the relay daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of registered operator connections.
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of currently registered operator connections",
		},
	)

	// Pushes counts event pushes to operator connections by mode and outcome.
	Pushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_pushes_total",
			Help: "Total number of event pushes to operator connections",
		},
		[]string{"mode", "result"},
	)

	// Evictions counts connections removed after a failed push.
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connection_evictions_total",
			Help: "Total number of connections evicted after a failed push",
		},
	)

	// StatusTransitions tracks committed message status changes.
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_message_status_transitions_total",
			Help: "Total number of committed message status transitions",
		},
		[]string{"to_status"},
	)

	// TransportCalls counts outbound transport calls by operation and result.
	TransportCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_transport_calls_total",
			Help: "Total number of calls to the chat transport",
		},
		[]string{"transport", "op", "result"},
	)

	// TransportDuration tracks the latency of transport calls.
	TransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_transport_call_duration_seconds",
			Help:    "Duration of calls to the chat transport",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "op"},
	)

	// InboundMessages counts chat messages received from the transport.
	InboundMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_inbound_messages_total",
			Help: "Total number of inbound chat messages relayed",
		},
	)

	// BusDropped counts events dropped because a subscriber was full.
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_bus_dropped_events_total",
			Help: "Total number of bus events dropped for slow subscribers",
		},
		[]string{"namespace"},
	)
)

// RecordPush records the outcome of one push attempt.
func RecordPush(mode string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	Pushes.WithLabelValues(mode, result).Inc()
}

// RecordTransportCall records one transport call and its latency.
func RecordTransportCall(transport, op string, err error, seconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	TransportCalls.WithLabelValues(transport, op, result).Inc()
	TransportDuration.WithLabelValues(transport, op).Observe(seconds)
}
