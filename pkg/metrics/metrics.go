package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LiveChannels tracks websocket channels currently registered with the coordinator.
	LiveChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardroom_live_channels",
			Help: "Number of live realtime channels",
		},
	)

	// CachedSessions tracks sessions hydrated into the in-memory cache.
	CachedSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardroom_cached_sessions",
			Help: "Number of sessions held in the live cache",
		},
	)

	// JoinOutcomes counts join attempts by result (joined|awaiting_approval|failed) and code.
	JoinOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardroom_join_outcomes_total",
			Help: "Total number of session join attempts by outcome",
		},
		[]string{"outcome", "code"},
	)

	// Broadcasts counts room fan-outs per event type.
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardroom_broadcasts_total",
			Help: "Total number of room broadcasts",
		},
		[]string{"event"},
	)

	// PermissionDenials counts owner-only or draw operations rejected by the permission gate.
	PermissionDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardroom_permission_denials_total",
			Help: "Total number of operations rejected by the permission gate",
		},
		[]string{"operation"},
	)

	// PersistenceAttempts counts durable write attempts by operation and result (success|retry|failure).
	PersistenceAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardroom_persistence_attempts_total",
			Help: "Total number of durable store write attempts",
		},
		[]string{"operation", "result"},
	)

	// PersistenceQueueDepth tracks durable writes waiting to be applied.
	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boardroom_persistence_queue_depth",
			Help: "Number of queued durable writes",
		},
	)

	// CleanupRuns counts grace-period cleanups by result (deleted|cancelled|skipped|swept).
	CleanupRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boardroom_session_cleanup_total",
			Help: "Total number of empty-session cleanup decisions",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boardroom_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
