// Package chat defines the conversation turn state threaded through the
// agent tool-use loop.
package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in the LLM conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Signature returns a stable identity for the call, used by loop detection
// and result caching. Arguments are re-marshalled with sorted keys so that
// semantically identical calls hash the same.
func (c ToolCall) Signature() string {
	h := sha256.New()
	h.Write([]byte(c.Name))
	h.Write([]byte{0})
	h.Write(canonicalJSON(c.Arguments))
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalJSON(raw json.RawMessage) []byte {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf []byte
	for _, k := range keys {
		v, _ := json.Marshal(m[k])
		buf = append(buf, k...)
		buf = append(buf, '=')
		buf = append(buf, v...)
		buf = append(buf, ';')
	}
	return buf
}

// State is the mutable state of one conversation turn. It accumulates the
// transcript, tracks repeated tool calls for loop detection and carries
// control flags between loop iterations.
type State struct {
	ConversationID string
	Messages       []Message
	Iteration      int
	TokensIn       int
	TokensOut      int
	StartedAt      time.Time

	// Loop detection: the signature of the most recent tool call and how
	// many times in a row it has been issued.
	lastSignature string
	repeatCount   int
}

// NewState creates a turn state seeded with the prior transcript.
func NewState(conversationID string, history []Message) *State {
	return &State{
		ConversationID: conversationID,
		Messages:       history,
		StartedAt:      time.Now(),
	}
}

// Append adds a message to the transcript.
func (s *State) Append(m Message) {
	s.Messages = append(s.Messages, m)
}

// ObserveCall records a tool call for loop detection and returns how many
// times the identical call has now been seen consecutively.
func (s *State) ObserveCall(c ToolCall) int {
	sig := c.Signature()
	if sig == s.lastSignature {
		s.repeatCount++
	} else {
		s.lastSignature = sig
		s.repeatCount = 1
	}
	return s.repeatCount
}
