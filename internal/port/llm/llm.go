// Package llm defines the port for chat-completion model access.
package llm

import (
	"context"
	"encoding/json"

	"github.com/lattice-hq/lattice/internal/domain/chat"
)

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// Request is one chat-completion call.
type Request struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Tools    []ToolDef      `json:"tools,omitempty"`
}

// Response is the model's reply. When the model wants tools executed,
// Message.ToolCalls is non-empty and Content may be empty.
type Response struct {
	Message      chat.Message `json:"message"`
	FinishReason string       `json:"finish_reason"`
	TokensIn     int          `json:"tokens_in"`
	TokensOut    int          `json:"tokens_out"`
}

// Client is the port interface for chat-completion providers.
type Client interface {
	ChatCompletion(ctx context.Context, req Request) (*Response, error)
}
