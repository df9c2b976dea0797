// Package metrics provides Prometheus instrumentation for the chat server:
// live connection counts, message outcomes, conversation creation and
// delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcome labels for MessagesTotal.
const (
	OutcomeDeliveredLive = "delivered_live"
	OutcomeStoredOffline = "stored_offline"
	OutcomeRejected      = "rejected"
	OutcomeRateLimited   = "rate_limited"
	OutcomeMalformed     = "malformed"
	OutcomeIgnored       = "ignored"
	OutcomeStoreError    = "store_error"
)

var (
	// ConnectionsTotal tracks the current number of authenticated connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of authenticated WebSocket connections",
	})

	// MessagesTotal counts inbound chat frames by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_total",
		Help: "Total number of inbound chat frames processed, by outcome",
	}, []string{"outcome"})

	// DeliveryLatency records the time from frame receipt to fan-out.
	DeliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_delivery_latency_seconds",
		Help:    "Time from receiving a chat frame to delivering it",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ConversationsCreated counts conversations created on first contact.
	ConversationsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_created_total",
		Help: "Conversations created by a first message between two users",
	})

	// StoreConflicts counts lost conversation-create races that were retried
	// as appends.
	StoreConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_store_conflicts_total",
		Help: "Conversation creates that lost a race and were retried as appends",
	})

	// FanoutFailures counts writes that failed and evicted a connection.
	FanoutFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_failures_total",
		Help: "Outbound writes that failed and evicted the connection",
	})

	// AuthFailures counts rejected handshakes by reason.
	AuthFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_auth_failures_total",
		Help: "Rejected WebSocket handshakes",
	}, []string{"reason"}) // reason = "missing_token", "invalid_token", "backend_error"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DeliveryLatency,
		ConversationsCreated,
		StoreConflicts,
		FanoutFailures,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
