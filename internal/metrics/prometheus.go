package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crag_run_duration_seconds",
			Help:    "End-to-end corrective run duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)

	RunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crag_run_total",
			Help: "Total corrective runs by termination reason",
		},
		[]string{"reason"},
	)

	IterationsPerRun = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crag_iterations_per_run",
			Help:    "Number of correction iterations per run",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	CorrectionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crag_correction_total",
			Help: "Corrections applied, by strategy and outcome",
		},
		[]string{"strategy", "status"},
	)

	QualityScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crag_quality_score",
			Help:    "Overall quality scores at first pass and termination",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"stage"},
	)

	ScoreImprovement = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crag_score_improvement",
			Help:    "Final score minus first-pass score per run",
			Buckets: []float64{-0.2, -0.1, 0, 0.05, 0.1, 0.2, 0.3, 0.5},
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crag_batch_size",
			Help:    "Number of queries per batch request",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)
)

func Init() {
	prometheus.MustRegister(RunDuration)
	prometheus.MustRegister(RunTotal)
	prometheus.MustRegister(IterationsPerRun)
	prometheus.MustRegister(CorrectionTotal)
	prometheus.MustRegister(QualityScore)
	prometheus.MustRegister(ScoreImprovement)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(BatchSize)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
