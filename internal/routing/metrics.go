package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	findDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metroroute_find_route_duration_seconds",
		Help:    "FindRoute latency by the tier that answered",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"source"})

	findErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_find_route_errors_total",
		Help: "FindRoute failures by kind",
	}, []string{"kind"})
)
