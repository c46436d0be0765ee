package graph

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rebuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metroroute_graph_rebuilds_total",
		Help: "Graph snapshot rebuilds by result",
	}, []string{"result"})

	rebuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "metroroute_graph_rebuild_duration_seconds",
		Help:    "Time to load topology and build a graph snapshot",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	})

	graphStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metroroute_graph_stations",
		Help: "Stations in the published graph snapshot",
	})

	graphComponents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "metroroute_graph_components",
		Help: "Connected components found before repair",
	})

	repairEdgesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "metroroute_graph_repair_edges_total",
		Help: "Edges added to join disconnected components",
	})
)
