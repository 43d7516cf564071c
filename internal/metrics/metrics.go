// Package metrics holds the prometheus collectors of the analytics pipeline. The
// collectors are usable before Init; Init only registers them for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     = prometheus.NewRegistry()
	registryOnce sync.Once

	// BatchesTotal counts processor runs by outcome (success, empty, failed, busy).
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friday_batches_total",
			Help: "Total number of batch processor runs",
		},
		[]string{"outcome"},
	)

	// MessagesTotal counts handled messages by path (queue, session) and outcome
	// (analyzed, skipped, filtered, failed, orphaned).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friday_messages_total",
			Help: "Total number of messages handled by the analytics pipeline",
		},
		[]string{"path", "outcome"},
	)

	// AnalyzerFallbacks counts neutral-default fallbacks by reason.
	AnalyzerFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "friday_analyzer_fallbacks_total",
			Help: "Total number of analyses that fell back to the neutral default",
		},
		[]string{"reason"},
	)

	// AnalyzerLatency observes the external analysis round trip.
	AnalyzerLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "friday_analyzer_latency_seconds",
			Help:    "Latency of external analysis calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)

	// BatchDuration observes a full processor run.
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "friday_batch_duration_seconds",
			Help:    "Duration of batch processor runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// QueuePending is the number of pending queue entries seen by the last run.
	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "friday_queue_pending",
			Help: "Pending change-capture entries observed at the start of the last run",
		},
	)

	// PublishErrors counts failed result publications.
	PublishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "friday_publish_errors_total",
			Help: "Total number of analysis results that could not be published",
		},
	)
)

// Init registers all collectors. It is safe to call more than once.
func Init() {
	registryOnce.Do(func() {
		registry.MustRegister(
			BatchesTotal,
			MessagesTotal,
			AnalyzerFallbacks,
			AnalyzerLatency,
			BatchDuration,
			QueuePending,
			PublishErrors,
			prometheus.NewGoCollector(),
		)
	})
}

// Registry returns the registry holding the pipeline collectors.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}
