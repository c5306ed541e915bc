// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration on the local surface.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests on the local surface.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RESTCallDuration tracks backend REST call duration.
	RESTCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_duration_seconds",
			Help:    "Backend REST call duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "status"},
	)

	// MessagesMergedTotal tracks messages appended by the reconciler.
	MessagesMergedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_merged_total",
			Help: "Messages appended to the active sequence",
		},
		[]string{"source"},
	)

	// DuplicateMessagesTotal tracks deliveries collapsed by the id merge.
	DuplicateMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duplicate_messages_total",
			Help: "Deliveries collapsed into an existing message",
		},
	)

	// NotificationsTotal tracks dispatcher decisions by outcome.
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Notification decisions by outcome",
		},
		[]string{"outcome"},
	)

	// ReconnectsTotal tracks channel reconnections.
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "channel_reconnects_total",
			Help: "Real-time channel reconnections",
		},
		[]string{"channel"},
	)

	// SendFailuresTotal tracks rejected send calls.
	SendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "send_failures_total",
			Help: "Rejected message send calls",
		},
	)

	// GateRejectionsTotal tracks sends blocked by a closed gate.
	GateRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gate_rejections_total",
			Help: "Sends rejected locally by a terminal emergency gate",
		},
	)

	// UnreadTotal tracks the derived unread total across conversations.
	UnreadTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unread_messages",
			Help: "Derived unread total across cached conversations",
		},
	)

	// SSEConnectionsActive tracks active SSE feed connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordRequest records metrics for a local HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRESTCall records metrics for a backend REST call.
func RecordRESTCall(operation, status string, duration float64) {
	RESTCallDuration.WithLabelValues(operation, status).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
