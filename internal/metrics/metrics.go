package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the forecasting service
type Metrics struct {
	ForecastTotal    prometheus.Counter
	ForecastDuration prometheus.Histogram
	CacheHits        prometheus.Counter
	RateLimited      prometheus.Counter
	ValidationErr    prometheus.Counter

	// Labeled by which path produced the forecast
	ForecastBySource  *prometheus.CounterVec
	ExternalFallbacks prometheus.Counter

	SyncRuns         prometheus.Counter
	SyncRowsUpserted prometheus.Counter
	SyncChunksFailed prometheus.Counter

	PredictionsResolved prometheus.Counter
	AlertsRaised        *prometheus.CounterVec
}

// New creates and registers all metrics
func New() *Metrics {
	return &Metrics{
		ForecastTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_forecast_total",
			Help: "Total number of forecast requests received",
		}),
		ForecastDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdc_forecast_duration_seconds",
			Help:    "Forecast request latency",
			Buckets: prometheus.DefBuckets,
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_forecast_cache_hits",
			Help: "Number of forecast responses served from cache",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_rate_limited_total",
			Help: "Number of requests rejected by the per-client rate limiter",
		}),
		ValidationErr: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_validation_errors",
			Help: "Number of requests rejected with a validation error",
		}),
		ForecastBySource: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdc_forecast_by_source",
				Help: "Forecasts produced, labeled by source path",
			},
			[]string{"source"},
		),
		ExternalFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_external_fallbacks",
			Help: "External forecast source failures that fell back to the statistical path",
		}),
		SyncRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_sync_runs_total",
			Help: "Number of ETL sync runs executed",
		}),
		SyncRowsUpserted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_sync_rows_upserted",
			Help: "Time-series rows upserted across all sync runs",
		}),
		SyncChunksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_sync_chunks_failed",
			Help: "Feature write chunks skipped after a persistence failure",
		}),
		PredictionsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mdc_predictions_resolved",
			Help: "Predictions moved from PENDING to RESOLVED by the accuracy monitor",
		}),
		AlertsRaised: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mdc_alerts_raised",
				Help: "Accuracy alerts raised, labeled by severity",
			},
			[]string{"severity"},
		),
	}
}
