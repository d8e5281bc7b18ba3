package telemetry

import "github.com/prometheus/client_golang/prometheus"

var KCFetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "kc",
		Name:      "fetch_total",
		Help:      "Total number of Keycloak user-fetch attempts, by result.",
	},
	[]string{"result"},
)

var SCRAMUpsertsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "kafka",
		Name:      "scram_upserts_total",
		Help:      "Total number of SCRAM credential upserts applied to Kafka.",
	},
	[]string{"result"},
)

var SCRAMDeletesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "kafka",
		Name:      "scram_deletes_total",
		Help:      "Total number of SCRAM credential deletions applied to Kafka.",
	},
	[]string{"result"},
)

var ReconcileDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a full reconcile cycle in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	},
	[]string{"source"},
)

var LastSuccessEpoch = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "last_success_epoch_seconds",
		Help:      "Unix timestamp of the last reconcile cycle that completed with zero errors.",
	},
)

var ReconcileSkippedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "reconcile_skipped_total",
		Help:      "Total number of reconcile triggers skipped or rejected, by reason.",
	},
	[]string{"reason"},
)

var WebhookReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Total number of Keycloak webhook events accepted, by result.",
	},
	[]string{"result"},
)

var WebhookSignatureFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "webhook",
		Name:      "signature_failures_total",
		Help:      "Total number of webhook deliveries rejected for a bad HMAC signature.",
	},
)

var QueueBacklog = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sync",
		Name:      "queue_backlog",
		Help:      "Current number of webhook events waiting in the retry queue.",
	},
)

var RetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "retry_total",
		Help:      "Total number of webhook event redeliveries attempted, by reason and attempt number.",
	},
	[]string{"reason", "attempt"},
)

var RetentionPurgedRecordsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "retention",
		Name:      "purged_records_total",
		Help:      "Total number of sync_operation rows deleted by the retention purge.",
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds, by method, route, and status.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var RetentionDBBytes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "retention",
		Name:      "db_bytes",
		Help:      "Approximate on-disk size of the SQLite store in bytes, as of the last retention run.",
	},
)

// All returns every kcsync-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		KCFetchTotal,
		SCRAMUpsertsTotal,
		SCRAMDeletesTotal,
		ReconcileDuration,
		LastSuccessEpoch,
		ReconcileSkippedTotal,
		WebhookReceivedTotal,
		WebhookSignatureFailuresTotal,
		QueueBacklog,
		RetryTotal,
		RetentionPurgedRecordsTotal,
		RetentionDBBytes,
		HTTPRequestDuration,
	}
}
