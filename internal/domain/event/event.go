// Package event defines pipeline and trajectory event entities.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	TypeSyncStarted   Type = "sync.started"
	TypeSyncCompleted Type = "sync.completed"
	TypeSyncFailed    Type = "sync.failed"

	TypeRecordIngested Type = "record.ingested"
	TypeRecordParsed   Type = "record.parsed"
	TypeRecordIndexed  Type = "record.indexed"
	TypeRecordFailed   Type = "record.failed"

	TypeChatTurn    Type = "chat.turn"
	TypeToolCalled  Type = "chat.tool_called"
	TypeToolResult  Type = "chat.tool_result"
	TypeToolBlocked Type = "chat.tool_blocked"
	TypeLoopAborted Type = "chat.loop_aborted"
)

// TrajectoryEvent is a single immutable event in a conversation's agent
// trajectory.
type TrajectoryEvent struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Type           Type            `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	RequestID      string          `json:"request_id,omitempty"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RecordMessage is the wire payload published to the indexing topic for
// every new or changed record. The consumer parses and indexes the record
// identified here.
type RecordMessage struct {
	RecordID    string `json:"record_id"`
	GroupID     string `json:"group_id"`
	ConnectorID string `json:"connector_id"`
	Revision    string `json:"revision,omitempty"`
	Checksum    string `json:"checksum"`
}
