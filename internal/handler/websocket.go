package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"metroroute/internal/hub"
)

const (
	wsReadLimit    = 4096
	wsMaxRunIDs    = 32
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 5 * time.Second
)

// ProgressHandler streams precompute progress over a websocket.
//
// Protocol (all frames are JSON text):
//
//	client: {"type":"subscribe","payload":{"runIds":["*"]}}   "*" follows every run
//	client: {"type":"unsubscribe","payload":{"runIds":[...]}}
//	client: {"type":"ping"}
//	server: {"type":"subscribed","payload":{"runIds":[...]}}
//	server: {"type":"progress"|"summary","payload":{...}}
//	server: {"type":"error","payload":{"message":"..."}}
//	server: {"type":"pong"}
//
// After a subscribe the latest progress of each followed run is sent right
// away, then every update as it is published.
type ProgressHandler struct {
	hub    *hub.Hub
	logger *slog.Logger
}

func NewProgressHandler(h *hub.Hub, logger *slog.Logger) *ProgressHandler {
	return &ProgressHandler{hub: h, logger: logger.With("component", "progress_ws")}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubscribePayload struct {
	RunIDs []string `json:"runIds"`
}

type serverFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func (h *ProgressHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := hub.NewClient(uuid.New().String(), 64)
	h.hub.Register(client)
	ServerStats.IncWSConnections()
	defer ServerStats.DecWSConnections()

	h.logger.Debug("progress client connected", "client_id", client.ID, "remote_addr", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)
	h.readLoop(ctx, conn, client)
}

func (h *ProgressHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", client.ID, "error", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		for _, frame := range h.handleMessage(client, data) {
			h.send(client, frame)
		}
	}
}

// handleMessage applies one client frame and returns the frames to send
// back, in order.
func (h *ProgressHandler) handleMessage(client *hub.Client, data []byte) [][]byte {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return [][]byte{encodeFrame("error", errorPayload{Message: "invalid message"})}
	}

	switch msg.Type {
	case "subscribe":
		runIDs, errFrame := parseRunIDs(msg.Payload)
		if errFrame != nil {
			return [][]byte{errFrame}
		}
		frames := [][]byte{encodeFrame("subscribed", SubscribePayload{RunIDs: runIDs})}
		for _, p := range h.hub.Subscribe(client, runIDs) {
			if data, err := hub.EncodeProgress(p); err == nil {
				frames = append(frames, data)
			}
		}
		return frames

	case "unsubscribe":
		runIDs, errFrame := parseRunIDs(msg.Payload)
		if errFrame != nil {
			return [][]byte{errFrame}
		}
		h.hub.Unsubscribe(client, runIDs)
		return nil

	case "ping":
		return [][]byte{encodeFrame("pong", nil)}

	default:
		return [][]byte{encodeFrame("error", errorPayload{Message: "unknown message type"})}
	}
}

func parseRunIDs(raw json.RawMessage) ([]string, []byte) {
	var payload SubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.RunIDs) == 0 {
		return nil, encodeFrame("error", errorPayload{Message: "runIds required"})
	}
	if len(payload.RunIDs) > wsMaxRunIDs {
		return nil, encodeFrame("error", errorPayload{Message: "too many runIds"})
	}
	return payload.RunIDs, nil
}

func encodeFrame(msgType string, payload any) []byte {
	data, _ := json.Marshal(serverFrame{Type: msgType, Payload: payload})
	return data
}

func (h *ProgressHandler) send(client *hub.Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Debug("client send buffer full", "client_id", client.ID)
	}
}

func (h *ProgressHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
			ServerStats.IncWSMessagesOut()

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
