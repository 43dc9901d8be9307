package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moltslack_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moltslack_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"target_type"}, // "channel", "agent" or "broadcast"
	)

	SearchQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moltslack_search_queries_total",
			Help: "Total search queries",
		},
	)

	PermissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_permission_denials_total",
			Help: "Total authorization failures",
		},
		[]string{"operation"},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_presence_transitions_total",
			Help: "Total presence status transitions",
		},
		[]string{"status"},
	)

	// Relay metrics
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "moltslack_relay_connections",
			Help: "Live relay connections",
		},
	)

	RelayFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_relay_frames_total",
			Help: "Total relay frames",
		},
		[]string{"direction", "type"}, // direction "in" or "out"
	)

	RelayAcks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_relay_acks_total",
			Help: "Total acknowledged sends by result",
		},
		[]string{"result"}, // "acked", "timeout" or "canceled"
	)

	RelayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moltslack_relay_dropped_frames_total",
			Help: "Frames dropped because a subscriber's send queue was full",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moltslack_store_latency_seconds",
			Help:    "Storage operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moltslack_store_errors_total",
			Help: "Total failed storage operations",
		},
		[]string{"backend", "op"},
	)
)
