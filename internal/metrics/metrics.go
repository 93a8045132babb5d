// ABOUTME: Prometheus collectors for connection state, frames, receipts and credential exchange
// ABOUTME: Registered on the default registry; cmd/ums-session exposes them via promhttp

// Package metrics provides Prometheus metrics for the session engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionState is 1 for the connection's current state and 0 for the others.
	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ums_connection_state",
			Help: "Current WebSocket connection state (1 = active state)",
		},
		[]string{"state"},
	)

	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ums_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		},
	)

	// ReconnectsExhausted counts connections that gave up after the retry budget.
	ReconnectsExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ums_reconnects_exhausted_total",
			Help: "Total number of connections abandoned after exhausting retries",
		},
	)

	// FramesReceived counts decoded inbound frames by kind.
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ums_frames_received_total",
			Help: "Total number of inbound frames by kind",
		},
		[]string{"kind"},
	)

	// ProtocolErrors counts dropped frames and unroutable responses.
	ProtocolErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ums_protocol_errors_total",
			Help: "Total number of frames dropped as protocol errors",
		},
	)

	// FramesSent counts outbound requests by purpose.
	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ums_frames_sent_total",
			Help: "Total number of outbound requests by purpose",
		},
		[]string{"purpose"},
	)

	// ReceiptsSent counts delivery receipts by status.
	ReceiptsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ums_receipts_sent_total",
			Help: "Total number of delivery receipts sent by status",
		},
		[]string{"status"},
	)

	// CredentialExchangeDuration tracks full TokenBroker resolutions.
	CredentialExchangeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ums_credential_exchange_duration_seconds",
			Help:    "Duration of credential exchange chains",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var connectionStates = []string{"DISCONNECTED", "CONNECTING", "CONNECTED", "SUBSCRIBED"}

// RecordConnectionState sets the state gauge so exactly one state reads 1.
func RecordConnectionState(state string) {
	for _, s := range connectionStates {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}
