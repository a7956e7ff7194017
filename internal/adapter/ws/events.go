package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages. They mirror the internal
// event bus subjects so frontends see one consistent vocabulary.
const (
	EventSyncStatus    = "sync.status"
	EventRecordIndexed = "records.indexed"
	EventRecordFailed  = "records.failed"
	EventChatTurn      = "chat.turn"
	EventToolBlocked   = "tools.blocked"

	// Chat streaming events, emitted during an agent turn and scoped to
	// subscribers of the conversation.
	EventChatMessage    = "chat.message"
	EventChatToolCall   = "chat.tool_call"
	EventChatToolResult = "chat.tool_result"
)

// SyncStatusEvent is broadcast when a sync run changes state.
type SyncStatusEvent struct {
	RunID       string `json:"run_id"`
	ConnectorID string `json:"connector_id"`
	Status      string `json:"status"`
}

// RecordIndexedEvent is broadcast when a record finishes indexing.
type RecordIndexedEvent struct {
	RecordID  string `json:"record_id"`
	GroupID   string `json:"group_id"`
	Fragments int    `json:"fragments"`
}

// RecordFailedEvent is broadcast when a record fails parsing or indexing.
type RecordFailedEvent struct {
	RecordID string `json:"record_id"`
	Phase    string `json:"phase"`
	Error    string `json:"error"`
}

// ChatMessageEvent carries an assistant message produced during a turn.
type ChatMessageEvent struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

// ChatToolCallEvent signals a tool invocation by the agent.
type ChatToolCallEvent struct {
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	Name           string `json:"name"`
	Args           string `json:"args"` // JSON-encoded arguments
}

// ChatToolResultEvent carries the result of a tool invocation.
type ChatToolResultEvent struct {
	ConversationID string `json:"conversation_id"`
	CallID         string `json:"call_id"`
	Result         string `json:"result"` // JSON-encoded result
	Cached         bool   `json:"cached,omitempty"`
	Error          string `json:"error,omitempty"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

// BroadcastConversationEvent marshals a typed event and delivers it to
// clients subscribed to the conversation.
func (h *Hub) BroadcastConversationEvent(ctx context.Context, conversationID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToConversation(ctx, conversationID, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
