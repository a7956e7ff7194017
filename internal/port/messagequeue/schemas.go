package messagequeue

// SyncStatusPayload is the schema for sync.status messages.
type SyncStatusPayload struct {
	RunID          string `json:"run_id"`
	ConnectorID    string `json:"connector_id"`
	Status         string `json:"status"`
	GroupsSynced   int    `json:"groups_synced"`
	RecordsSynced  int    `json:"records_synced"`
	RecordsSkipped int    `json:"records_skipped"`
	Error          string `json:"error,omitempty"`
}

// RecordIndexedPayload is the schema for records.indexed messages.
type RecordIndexedPayload struct {
	RecordID    string `json:"record_id"`
	GroupID     string `json:"group_id"`
	ConnectorID string `json:"connector_id"`
	Fragments   int    `json:"fragments"`
}

// RecordFailedPayload is the schema for records.failed messages.
type RecordFailedPayload struct {
	RecordID string `json:"record_id"`
	Phase    string `json:"phase"` // "parsing" or "indexing"
	Error    string `json:"error"`
}

// ChatTurnPayload is the schema for chat.turn messages.
type ChatTurnPayload struct {
	ConversationID string `json:"conversation_id"`
	Iterations     int    `json:"iterations"`
	ToolCalls      int    `json:"tool_calls"`
	TokensIn       int    `json:"tokens_in"`
	TokensOut      int    `json:"tokens_out"`
	Aborted        bool   `json:"aborted,omitempty"`
}

// ToolBlockedPayload is the schema for tools.blocked messages.
type ToolBlockedPayload struct {
	Tool       string `json:"tool"`
	Failures   int    `json:"failures"`
	CooldownMS int64  `json:"cooldown_ms"`
}
