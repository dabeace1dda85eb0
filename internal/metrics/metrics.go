// Package metrics provides Prometheus instrumentation for the chatsync
// server: gauges for connection and room counts, counters for message
// throughput, and a histogram for frame handling latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket
	// connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsActive tracks the current number of conversations with at least
	// one local member.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_rooms_active",
		Help: "Current number of conversations with local members",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "delivered" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// FrameHandleSeconds records frame dispatch latency in seconds.
	FrameHandleSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_frame_handle_seconds",
		Help:    "Frame dispatch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		RoomsActive,
		MessagesTotal,
		FrameHandleSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
