package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
)

// Stats tracks server-wide metrics
type Stats struct {
	startTime        time.Time
	requestCount     atomic.Int64
	routesServed     atomic.Int64
	routesRejected   atomic.Int64
	routesNotFound   atomic.Int64
	routeErrors      atomic.Int64
	wsConnections    atomic.Int64
	wsMessagesOut    atomic.Int64
	rateLimitBlocked atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()         { s.requestCount.Add(1) }
func (s *Stats) IncRoutesServed()     { s.routesServed.Add(1) }
func (s *Stats) IncRoutesRejected()   { s.routesRejected.Add(1) }
func (s *Stats) IncRoutesNotFound()   { s.routesNotFound.Add(1) }
func (s *Stats) IncRouteErrors()      { s.routeErrors.Add(1) }
func (s *Stats) IncWSConnections()    { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections()    { s.wsConnections.Add(-1) }
func (s *Stats) IncWSMessagesOut()    { s.wsMessagesOut.Add(1) }
func (s *Stats) IncRateLimitBlocked() { s.rateLimitBlocked.Add(1) }

// GraphInfo exposes the published snapshot without building one.
type GraphInfo interface {
	Snapshot() *graph.Graph
	Report() *graph.BuildReport
}

// RouteCounter counts stored routes.
type RouteCounter interface {
	Count(ctx context.Context) (int, error)
}

// FailureLister lists pairs the pipeline gave up on.
type FailureLister interface {
	List(ctx context.Context) ([]domain.FailedPair, error)
}

type StatsHandler struct {
	graphs   GraphInfo
	routes   RouteCounter
	failures FailureLister
}

func NewStatsHandler(graphs GraphInfo, routes RouteCounter, failures FailureLister) *StatsHandler {
	return &StatsHandler{
		graphs:   graphs,
		routes:   routes,
		failures: failures,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Graph     GraphStatsResponse     `json:"graph"`
	Routes    RouteStatsResponse     `json:"routes"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	RateLimited   int64     `json:"rate_limited"`
	Version       string    `json:"version"`
}

type GraphStatsResponse struct {
	Loaded      bool           `json:"loaded"`
	Version     uint64         `json:"version"`
	Stations    int            `json:"stations"`
	Edges       int            `json:"edges"`
	Weighted    bool           `json:"weighted"`
	RepairEdges []graph.Bridge `json:"repair_edges,omitempty"`
	Defects     []graph.Defect `json:"defects,omitempty"`
}

type RouteStatsResponse struct {
	Stored   int   `json:"stored"`
	Failed   int   `json:"failed_pairs"`
	Served   int64 `json:"served"`
	Rejected int64 `json:"rejected"`
	NotFound int64 `json:"not_found"`
	Errors   int64 `json:"errors"`
}

type WebSocketStatsResponse struct {
	Connections int64 `json:"connections"`
	MessagesOut int64 `json:"messages_out"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	uptime := time.Since(ServerStats.startTime)

	var graphStats GraphStatsResponse
	if g := h.graphs.Snapshot(); g != nil {
		graphStats = GraphStatsResponse{
			Loaded:      true,
			Version:     g.Version(),
			Stations:    g.Len(),
			Edges:       g.EdgeCount(),
			Weighted:    g.Weighted(),
			RepairEdges: g.Bridges(),
		}
		if report := h.graphs.Report(); report != nil {
			graphStats.Defects = report.Defects
		}
	}

	// Store counts are best-effort; -1 means the store did not answer.
	stored, failed := -1, -1
	if h.routes != nil {
		if n, err := h.routes.Count(r.Context()); err == nil {
			stored = n
		}
	}
	if h.failures != nil {
		if fs, err := h.failures.List(r.Context()); err == nil {
			failed = len(fs)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			RateLimited:   ServerStats.rateLimitBlocked.Load(),
			Version:       "1.0.0",
		},
		Graph: graphStats,
		Routes: RouteStatsResponse{
			Stored:   stored,
			Failed:   failed,
			Served:   ServerStats.routesServed.Load(),
			Rejected: ServerStats.routesRejected.Load(),
			NotFound: ServerStats.routesNotFound.Load(),
			Errors:   ServerStats.routeErrors.Load(),
		},
		WebSocket: WebSocketStatsResponse{
			Connections: ServerStats.wsConnections.Load(),
			MessagesOut: ServerStats.wsMessagesOut.Load(),
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
