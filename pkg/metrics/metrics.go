package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Deliveries records delivery attempts by path (immediate|reminder|scheduled|digest) and result (success|failure).
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventnotify_deliveries_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"path", "result"},
	)

	// DueSweepRuns counts executions of the periodic due-sweep.
	DueSweepRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventnotify_due_sweep_runs_total",
			Help: "Total number of due-sweep executions",
		},
	)

	// DueSweepProcessed counts notifications handled per sweep by outcome (succeeded|retried|failed|skipped).
	DueSweepProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventnotify_due_sweep_processed_total",
			Help: "Total number of notifications processed by the due-sweep",
		},
		[]string{"outcome"},
	)

	// DigestRuns counts digest executions by trigger (cron|manual).
	DigestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventnotify_digest_runs_total",
			Help: "Total number of digest batch runs",
		},
		[]string{"trigger"},
	)

	// DigestSubscribers counts per-subscriber digest outcomes (sent|failed|skipped).
	DigestSubscribers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventnotify_digest_subscribers_total",
			Help: "Total number of digest subscriber outcomes",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventnotify_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
