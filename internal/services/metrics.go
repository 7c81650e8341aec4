package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// WebSocket messages by type (counter - only goes up)
	WebSocketMessages *prometheus.CounterVec

	// Companion invocation metrics
	CompanionInvocations prometheus.Counter
	InvocationLatency    prometheus.Histogram
	InvocationErrors     *prometheus.CounterVec

	connManager *ConnectionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(connManager *ConnectionManager) *Metrics {
	metrics := &Metrics{
		connManager: connManager,

		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecompanion_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"

		CompanionInvocations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voicecompanion_companion_invocations_total",
			Help: "Total number of companion invocations processed",
		}),

		InvocationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicecompanion_companion_invocation_duration_seconds",
			Help:    "Companion invocation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		InvocationErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voicecompanion_companion_errors_total",
			Help: "Total number of companion errors by type",
		}, []string{"error_type"}),
	}

	// Gauge that reads the live count straight from the connection manager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "voicecompanion_websocket_connections_active",
			Help: "Current number of active WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.Count())
			}
			return 0
		},
	))

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "voicecompanion_websocket_connections_authenticated",
			Help: "Current number of authenticated WebSocket connections",
		},
		func() float64 {
			if connManager != nil {
				return float64(connManager.AuthenticatedCount())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}
