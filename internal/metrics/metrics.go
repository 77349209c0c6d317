// Package metrics provides Prometheus instrumentation for the TalkToMe chat
// backend. It exposes gauges for connection and pairing counts, counters for
// message throughput, and histograms for moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "talktome_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingQueueSize tracks the current number of users waiting for a
	// human helper.
	WaitingQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "talktome_waiting_queue_size",
		Help: "Current number of users waiting for a human helper",
	})

	// ActivePairs tracks the current number of active one-to-one pairings.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "talktome_active_pairs",
		Help: "Current number of active human-to-human pairings",
	})

	// MessagesTotal counts messages dispatched by the relay, labeled by the
	// sender's category ("AI", "Human", "Professional") or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "talktome_messages_total",
		Help: "Total number of chat messages dispatched",
	}, []string{"category"})

	// ModerationLatency records the latency of moderation rewrite calls.
	ModerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "talktome_moderation_latency_seconds",
		Help:    "Latency of moderation rewrite calls in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})

	// ModerationFailures counts failed moderation calls that fell open to the
	// original text.
	ModerationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "talktome_moderation_failures_total",
		Help: "Total number of moderation calls that failed open",
	})

	// PairsFormedTotal counts pairings created by the sweeper.
	PairsFormedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "talktome_pairs_formed_total",
		Help: "Total number of pairings formed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingQueueSize,
		ActivePairs,
		MessagesTotal,
		ModerationLatency,
		ModerationFailures,
		PairsFormedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
