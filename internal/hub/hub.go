// Package hub fans precompute progress out to websocket clients.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"metroroute/internal/domain"
)

// AllRuns subscribes a client to every run.
const AllRuns = "*"

type Client struct {
	ID   string
	Send chan []byte
	runs map[string]struct{}
	mu   sync.RWMutex
}

func NewClient(id string, bufferSize int) *Client {
	return &Client{
		ID:   id,
		Send: make(chan []byte, bufferSize),
		runs: make(map[string]struct{}),
	}
}

// Follows reports whether the client wants updates for runID.
func (c *Client) Follows(runID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.runs[AllRuns]; ok {
		return true
	}
	_, ok := c.runs[runID]
	return ok
}

func (c *Client) Follow(runIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range runIDs {
		c.runs[id] = struct{}{}
	}
}

func (c *Client) Unfollow(runIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range runIDs {
		delete(c.runs, id)
	}
}

// ProgressMessage is the frame written to clients.
type ProgressMessage struct {
	Type    string          `json:"type"`
	Payload domain.Progress `json:"payload"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	latest  map[string]domain.Progress

	register   chan *Client
	unregister chan *Client
	broadcast  chan domain.Progress

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		latest:     make(map[string]domain.Progress),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan domain.Progress, 256),
		logger:     logger.With("component", "progress_hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.ID, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case p := <-h.broadcast:
			h.fanout(p)
		}
	}
}

// Publish queues a progress update. It never blocks the pipeline: when the
// queue is full the update is dropped, and a later one supersedes it.
func (h *Hub) Publish(p domain.Progress) {
	select {
	case h.broadcast <- p:
	default:
		h.logger.Warn("broadcast channel full, dropping progress", "run_id", p.RunID)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe makes client follow runIDs and returns the latest known
// progress of each followed run.
func (h *Hub) Subscribe(client *Client, runIDs []string) []domain.Progress {
	client.Follow(runIDs)

	h.mu.RLock()
	defer h.mu.RUnlock()
	var snapshot []domain.Progress
	for id, p := range h.latest {
		if client.Follows(id) {
			snapshot = append(snapshot, p)
		}
	}
	return snapshot
}

func (h *Hub) Unsubscribe(client *Client, runIDs []string) {
	client.Unfollow(runIDs)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latest returns the most recent progress of a run.
func (h *Hub) Latest(runID string) (domain.Progress, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.latest[runID]
	return p, ok
}

func (h *Hub) fanout(p domain.Progress) {
	h.mu.Lock()
	h.latest[p.RunID] = p
	h.mu.Unlock()

	data, err := EncodeProgress(p)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.Follows(p.RunID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			h.logger.Debug("client send buffer full", "client_id", client.ID)
		}
	}
}

func EncodeProgress(p domain.Progress) ([]byte, error) {
	msgType := "progress"
	if p.Final {
		msgType = "summary"
	}
	return json.Marshal(ProgressMessage{Type: msgType, Payload: p})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	h.logger.Debug("client unregistered", "client_id", client.ID, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]struct{})
}
