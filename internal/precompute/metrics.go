package precompute

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_precompute_pairs_total",
		Help: "Station pairs processed by the precompute pipeline, by outcome",
	}, []string{"outcome"})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metroroute_precompute_flush_duration_seconds",
		Help:    "Time to persist one batch of routes, retries included",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	flushRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metroroute_precompute_flush_retries_total",
		Help: "Batch upserts retried after a transient store error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_precompute_runs_total",
		Help: "Pipeline runs by mode and result",
	}, []string{"mode", "result"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metroroute_precompute_run_duration_seconds",
		Help:    "Wall time of pipeline runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"mode"})
)
