package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "handoff_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Websocket metrics
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "handoff_connections_open",
			Help: "Currently open websocket connections",
		},
		[]string{"role"}, // "client" or "admin"
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_connections_total",
			Help: "Total accepted websocket connections",
		},
		[]string{"role"},
	)

	FramesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_frames_in_total",
			Help: "Inbound frames by envelope type",
		},
		[]string{"type"},
	)

	FramesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_frames_out_total",
			Help: "Outbound frames by envelope type",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_frames_dropped_total",
			Help: "Frames dropped without dispatch",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "slow_consumer"
	)

	// Business metrics
	MessagesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_messages_created_total",
			Help: "Total messages persisted",
		},
		[]string{"sender_type"},
	)

	ModeSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_mode_switches_total",
			Help: "Session mode switches",
		},
		[]string{"to"}, // "AI" or "HUMAN"
	)

	ResponderReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_responder_replies_total",
			Help: "AI responder outcomes",
		},
		[]string{"outcome"}, // "ok" or "error"
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "handoff_sessions_active",
			Help: "Sessions with at least one live connection",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handoff_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	// Infrastructure metrics
	RedisLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handoff_redis_latency_seconds",
			Help:    "Redis operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05},
		},
	)

	StoreLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handoff_store_latency_seconds",
			Help:    "Message store query latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		},
	)
)
