// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for live connections and sessions, counters for envelope
// throughput and failures, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of open WebSocket connections,
	// including ones not yet registered as sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// SessionsActive tracks the number of sessions held by the registry.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions_active",
		Help: "Current number of registered client sessions",
	})

	// MessagesTotal counts inbound client envelopes, labeled by result:
	// "received", "invalid" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of inbound envelopes processed",
	}, []string{"result"})

	// EnvelopesSent counts outbound frames delivered, labeled by envelope type.
	EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_sent_total",
		Help: "Total number of envelopes written to clients",
	}, []string{"type"})

	// SendFailures counts per-peer write failures during fan-out.
	SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_send_failures_total",
		Help: "Total number of failed writes to clients",
	})

	// Announcements counts server-authored join and leave messages.
	Announcements = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_announcements_total",
		Help: "Total number of join/leave announcements broadcast",
	}, []string{"kind"}) // kind = "join", "leave"

	// RejectedConnections counts refused connection attempts by reason.
	RejectedConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rejected_connections_total",
		Help: "Total number of refused connection attempts",
	}, []string{"reason"})

	// BroadcastLatency records how long one fan-out takes in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_duration_seconds",
		Help:    "Time spent fanning one envelope out to all recipients",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// EventsDropped counts observer events discarded because the queue was full.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_observer_events_dropped_total",
		Help: "Total number of registry events dropped before reaching observers",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SessionsActive,
		MessagesTotal,
		EnvelopesSent,
		SendFailures,
		Announcements,
		RejectedConnections,
		BroadcastLatency,
		EventsDropped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
