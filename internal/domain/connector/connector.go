// Package connector defines the Connector and SyncRun domain entities.
package connector

import "time"

// Status represents the lifecycle state of a connector.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Connector is a configured link to one external SaaS source.
type Connector struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	SourceType    string            `json:"source_type"` // name under which the source is registered
	OAuthProvider string            `json:"oauth_provider,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
	Status        Status            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a connector.
type CreateRequest struct {
	Name          string            `json:"name"`
	SourceType    string            `json:"source_type"`
	OAuthProvider string            `json:"oauth_provider,omitempty"`
	Config        map[string]string `json:"config,omitempty"`
}

// RunStatus represents the state of a sync run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// SyncRun records one pass of a connector over its source.
type SyncRun struct {
	ID             string     `json:"id"`
	ConnectorID    string     `json:"connector_id"`
	Status         RunStatus  `json:"status"`
	GroupsSynced   int        `json:"groups_synced"`
	RecordsSynced  int        `json:"records_synced"`
	RecordsSkipped int        `json:"records_skipped"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}
