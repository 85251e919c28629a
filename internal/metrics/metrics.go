// Package metrics provides Prometheus metrics for painvault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "painvault"

var (
	// QueueDepth is the number of pending sync queue items.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_queue_depth",
			Help:      "Number of pending sync queue items",
		},
	)

	// DeadLetters is the number of dead-lettered sync queue items.
	DeadLetters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_dead_letters",
			Help:      "Number of dead-lettered sync queue items",
		},
	)

	// ConflictsOpen is the number of unresolved conflicts.
	ConflictsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conflicts_open",
			Help:      "Number of unresolved conflicts",
		},
	)

	// FlaggedRecords is the number of records that failed integrity checks.
	FlaggedRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_flagged_records",
			Help:      "Number of records flagged by integrity checks",
		},
	)

	// VaultLocked is 1 while the vault is locked.
	VaultLocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_locked",
			Help:      "Whether the vault is locked (1) or unlocked (0)",
		},
	)

	// SyncAttempts counts delivery attempts by outcome.
	SyncAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Total sync delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SyncDrainDuration tracks drain pass duration.
	SyncDrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_drain_duration_seconds",
			Help:      "Sync drain pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// CodecFailures counts decode failures by kind.
	CodecFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "codec_failures_total",
			Help:      "Total envelope decode failures by kind",
		},
		[]string{"kind"},
	)

	// CacheRequests counts cache lookups by result (hit, miss).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Total cache lookups by result",
		},
		[]string{"result"},
	)

	// InsightRuns counts insight generator runs by result.
	InsightRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_runs_total",
			Help:      "Total insight generator runs by generator and result",
		},
		[]string{"generator", "result"},
	)

	// HTTPRequestsTotal counts diagnostics server requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total diagnostics HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks diagnostics request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Diagnostics HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Sync outcome labels.
const (
	OutcomeDelivered    = "delivered"
	OutcomeRetrying     = "retrying"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeConflict     = "conflict"
)
