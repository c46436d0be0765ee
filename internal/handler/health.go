package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

const checkTimeout = 2 * time.Second

// Readiness reports whether a graph snapshot is published.
type Readiness interface {
	Loaded() bool
}

// Check probes one dependency; nil means healthy.
type Check func(ctx context.Context) error

type HealthHandler struct {
	graphs Readiness
	checks map[string]Check
}

func NewHealthHandler(graphs Readiness) *HealthHandler {
	return &HealthHandler{graphs: graphs, checks: make(map[string]Check)}
}

// AddCheck registers a dependency probed by Readyz. Not safe to call once
// the server is running.
func (h *HealthHandler) AddCheck(name string, check Check) {
	h.checks[name] = check
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready       bool              `json:"ready"`
	GraphLoaded bool              `json:"graphLoaded"`
	Checks      map[string]string `json:"checks,omitempty"`
	ServerTime  time.Time         `json:"serverTime"`
}

// Readyz is ready once a graph snapshot is published and every registered
// check passes.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		GraphLoaded: h.graphs.Loaded(),
		ServerTime:  time.Now(),
	}
	resp.Ready = resp.GraphLoaded

	if len(h.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		names := make([]string, 0, len(h.checks))
		for name := range h.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Checks = make(map[string]string, len(names))
		for _, name := range names {
			if err := h.checks[name](ctx); err != nil {
				resp.Checks[name] = "unavailable"
				resp.Ready = false
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
