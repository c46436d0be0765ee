package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"metroroute/internal/domain"
	"metroroute/internal/graph"
)

// RouteFinder answers route queries.
type RouteFinder interface {
	FindRoute(ctx context.Context, start, end int64) (*domain.Route, error)
}

type RouteHandler struct {
	finder RouteFinder
	logger *slog.Logger
}

func NewRouteHandler(finder RouteFinder, logger *slog.Logger) *RouteHandler {
	return &RouteHandler{finder: finder, logger: logger.With("component", "route_handler")}
}

// GetRoute serves GET /v1/routes/{start}/{end}.
func (h *RouteHandler) GetRoute(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()

	start, err1 := strconv.ParseInt(r.PathValue("start"), 10, 64)
	end, err2 := strconv.ParseInt(r.PathValue("end"), 10, 64)
	if err1 != nil || err2 != nil {
		ServerStats.IncRoutesRejected()
		respondError(w, http.StatusBadRequest, "invalid station")
		return
	}

	route, err := h.finder.FindRoute(r.Context(), start, end)
	switch {
	case err == nil:
		ServerStats.IncRoutesServed()
		// Graph versions restart with the process, so the tag is derived
		// from the body itself.
		body, err := json.Marshal(route)
		if err != nil {
			ServerStats.IncRouteErrors()
			h.logger.Error("encode route failed", "start", start, "end", end, "error", err)
			respondError(w, http.StatusInternalServerError, "internal error")
			return
		}
		etag := fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(append(body, '\n'))
	case errors.Is(err, graph.ErrInvalidStation):
		ServerStats.IncRoutesRejected()
		respondError(w, http.StatusBadRequest, "invalid station")
	case errors.Is(err, graph.ErrNoRoute):
		ServerStats.IncRoutesNotFound()
		respondError(w, http.StatusNotFound, "no route found")
	default:
		ServerStats.IncRouteErrors()
		h.logger.Error("route lookup failed", "start", start, "end", end, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
