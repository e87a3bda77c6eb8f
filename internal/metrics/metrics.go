package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commons_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	CredentialsRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_credentials_registered_total",
			Help: "Total credentials issued or reactivated",
		},
		[]string{"outcome"}, // "created" or "reactivated"
	)

	MessagesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_messages_written_total",
			Help: "Total messages written",
		},
		[]string{"role"},
	)

	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_search_queries_total",
			Help: "Total search queries",
		},
		[]string{"fallback"}, // "false", "true"
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_rate_limit_hits_total",
			Help: "Total rate limit denials",
		},
		[]string{"policy"},
	)

	RateLimitBucketsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commons_rate_limit_buckets_evicted_total",
			Help: "Idle rate limit buckets reclaimed by the sweeper",
		},
	)

	// Session metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commons_sessions_active",
			Help: "Currently open streaming sessions",
		},
	)

	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commons_sessions_opened_total",
			Help: "Total streaming sessions opened",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commons_sessions_closed_total",
			Help: "Total streaming sessions closed",
		},
	)

	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_rpc_requests_total",
			Help: "Total sub-protocol requests by method",
		},
		[]string{"method"},
	)

	// Feed metrics
	FeedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "commons_feed_connected",
			Help: "1 when the change feed is connected",
		},
	)

	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "commons_feed_reconnects_total",
			Help: "Total change feed reconnection attempts",
		},
	)

	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "commons_feed_events_total",
			Help: "Total change feed events consumed",
		},
		[]string{"kind"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "commons_store_latency_seconds",
			Help:    "Message store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)
