package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the forge
type Metrics struct {
	// Shadow collector
	ShadowInflight prometheus.Gauge
	PairsCollected prometheus.Counter
	PairsDropped   *prometheus.CounterVec

	// Trainer
	TrainingRuns    *prometheus.CounterVec
	PipelineSeconds prometheus.Histogram

	// Gateway
	UpstreamLatency prometheus.Histogram
	ChatErrors      *prometheus.CounterVec
}

var globalMetrics *Metrics

// Init initializes the Prometheus metrics. Call once at startup.
func Init() *Metrics {
	metrics := &Metrics{
		ShadowInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "forge_shadow_inflight",
			Help: "Number of shadow requests currently in flight",
		}),

		PairsCollected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "forge_pairs_collected_total",
			Help: "Total number of training pairs accepted and persisted",
		}),

		// reason: "saturated", "rate_limited", "empty_response", "no_code", "shadow_error", "store_error"
		PairsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_pairs_dropped_total",
			Help: "Total number of shadow samples dropped by reason",
		}, []string{"reason"}),

		// status: "completed", "failed", "rolled_back"
		TrainingRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_training_runs_total",
			Help: "Total number of training pipeline runs by outcome",
		}, []string{"status"}),

		PipelineSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_pipeline_duration_seconds",
			Help:    "End-to-end training pipeline duration in seconds",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200},
		}),

		UpstreamLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_upstream_request_duration_seconds",
			Help:    "Latency of proxied chat completion requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_chat_errors_total",
			Help: "Total number of gateway chat errors by type",
		}, []string{"error_type"}),
	}

	globalMetrics = metrics
	return metrics
}

// Get returns the global metrics instance, or nil before Init
func Get() *Metrics {
	return globalMetrics
}
