// Package metrics declares the Prometheus collectors exported by the chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_connections_active",
			Help: "Currently registered WebSocket connections",
		},
	)

	UsersOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gochat_users_online",
			Help: "Users holding at least one connection",
		},
	)

	HandshakesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_handshakes_rejected_total",
			Help: "WebSocket handshakes rejected by authentication",
		},
	)

	// Routing metrics
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_messages_published_total",
			Help: "Messages fanned out, by channel",
		},
		[]string{"channel"},
	)

	WhispersSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_whispers_sent_total",
			Help: "Whispers routed",
		},
	)

	EventErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_event_errors_total",
			Help: "Inbound events rejected, by error code",
		},
		[]string{"code"},
	)

	// Persistence metrics
	FlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_flushes_total",
			Help: "Batches handed to the durable store",
		},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_messages_persisted_total",
			Help: "Messages durably written",
		},
	)

	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_messages_dropped_total",
			Help: "Messages that failed both batch and individual writes",
		},
	)

	FlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gochat_flush_duration_seconds",
			Help:    "Durable store write latency per flush",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// History cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_history_cache_lookups_total",
			Help: "History cache lookups, by result",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	// Presence metrics
	PresenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gochat_presence_events_total",
			Help: "Presence events delivered to connections",
		},
		[]string{"state"},
	)

	GraphLookupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gochat_graph_lookup_failures_total",
			Help: "Social graph lookups that failed",
		},
	)
)
