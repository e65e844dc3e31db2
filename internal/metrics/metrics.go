// Package metrics provides Prometheus instrumentation for the chat sync
// server: gauges for connection and session counts, counters for message
// throughput and subscriber drops, and a histogram for delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SessionsActive tracks the current number of established sync
	// sessions (connections that completed the hello handshake).
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_sessions_active",
		Help: "Current number of established sync sessions",
	})

	// MessagesTotal counts messages by outcome: "accepted", "rejected"
	// (validation), "limited" (rate limit), or "duplicate".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// DeliveryLatency records the time from append to subscriber delivery
	// in seconds.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_delivery_latency_seconds",
		Help:    "Time from message accept to subscriber delivery in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SubscriberOverflows counts subscribers dropped for falling behind.
	SubscriberOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_subscriber_overflows_total",
		Help: "Total number of subscribers dropped for slow consumption",
	})

	// UsersOnline tracks the number of users currently reported online.
	UsersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_users_online",
		Help: "Current number of users with effective online presence",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MessagesTotal,
		DeliveryLatency,
		SubscriberOverflows,
		UsersOnline,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
