// Package ws implements the WebSocket adapter for real-time client communication.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// clientCommand is what clients send over the socket. Subscribing to a
// conversation scopes chat events to that conversation; all other event
// types are always delivered.
type clientCommand struct {
	Action         string `json:"action"` // "subscribe" or "unsubscribe"
	ConversationID string `json:"conversation_id"`
}

// conn wraps a single WebSocket connection and its conversation filter.
type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu            sync.Mutex
	conversations map[string]struct{}
}

func (c *conn) subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conversations[conversationID]
	return ok
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS returns an http.HandlerFunc that upgrades connections to WebSocket.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:            ws,
		cancel:        cancel,
		conversations: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("websocket connected", "remote", r.RemoteAddr)

	// Read loop: consumes pings, detects disconnects and processes
	// subscribe/unsubscribe commands.
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				return
			}
			var cmd clientCommand
			if err := json.Unmarshal(data, &cmd); err != nil || cmd.ConversationID == "" {
				continue
			}
			c.mu.Lock()
			switch cmd.Action {
			case "subscribe":
				c.conversations[cmd.ConversationID] = struct{}{}
			case "unsubscribe":
				delete(c.conversations, cmd.ConversationID)
			}
			c.mu.Unlock()
		}
	}()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(ctx context.Context, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}
	h.write(ctx, data, nil)
}

// BroadcastToConversation sends a message only to clients subscribed to
// the given conversation.
func (h *Hub) BroadcastToConversation(ctx context.Context, conversationID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}
	h.write(ctx, data, func(c *conn) bool {
		return c.subscribed(conversationID)
	})
}

func (h *Hub) write(ctx context.Context, data []byte, include func(*conn) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns {
		if include != nil && !include(c) {
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("websocket write failed", "error", err)
			go h.remove(c)
		}
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		slog.Info("websocket disconnected")
	}
}
