// Package metrics provides Prometheus instrumentation for the ChatApp
// messaging core. It exposes gauges for connection counts, counters for
// message and delivery outcomes, and histograms for dispatch latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatapp_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of distinct users with at least one live
	// connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatapp_online_users",
		Help: "Current number of distinct users with a live connection",
	})

	// MessagesTotal counts sends by outcome: "delivered_live" (reached at
	// least one live receiver connection), "queued_offline" (persisted,
	// receiver offline), "rejected" (validation or rate-limit failure),
	// "failed" (persistence error).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatapp_messages_total",
		Help: "Total number of send operations by outcome",
	}, []string{"outcome"})

	// DeliveryErrors counts individual connection pushes that failed during
	// fan-out. These are isolated per connection and never fail the send.
	DeliveryErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatapp_delivery_errors_total",
		Help: "Total number of failed pushes to individual connections",
	})

	// AuthFailures counts rejected connection attempts.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatapp_auth_failures_total",
		Help: "Total number of rejected connection handshakes",
	})

	// SendLatency records end-to-end send processing latency in seconds,
	// from validation through persistence and fan-out.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatapp_send_latency_seconds",
		Help:    "Send operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ReplayRequests counts history replay invocations.
	ReplayRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatapp_replay_requests_total",
		Help: "Total number of history replay requests",
	})

	// ReplayBatchSize records how many messages each replay emitted.
	ReplayBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatapp_replay_batch_size",
		Help:    "Number of messages emitted per history replay",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		DeliveryErrors,
		AuthFailures,
		SendLatency,
		ReplayRequests,
		ReplayBatchSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
