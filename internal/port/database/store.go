// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/lattice-hq/lattice/internal/domain/connector"
	"github.com/lattice-hq/lattice/internal/domain/conversation"
	"github.com/lattice-hq/lattice/internal/domain/record"
)

// UpsertResult reports what an upsert did with a record.
type UpsertResult struct {
	Record  *record.Record
	Changed bool // false when the incoming checksum matched the stored one
}

// Store is the port interface for database operations.
type Store interface {
	// Connectors
	ListConnectors(ctx context.Context) ([]connector.Connector, error)
	GetConnector(ctx context.Context, id string) (*connector.Connector, error)
	CreateConnector(ctx context.Context, req connector.CreateRequest) (*connector.Connector, error)
	UpdateConnectorStatus(ctx context.Context, id string, status connector.Status) error
	DeleteConnector(ctx context.Context, id string) error

	// Sync runs
	CreateSyncRun(ctx context.Context, connectorID string) (*connector.SyncRun, error)
	FinishSyncRun(ctx context.Context, run *connector.SyncRun) error
	ListSyncRuns(ctx context.Context, connectorID string, limit int) ([]connector.SyncRun, error)

	// Groups
	UpsertGroup(ctx context.Context, g *record.Group) (*record.Group, error)
	ListGroups(ctx context.Context, connectorID string) ([]record.Group, error)

	// Records
	UpsertRecord(ctx context.Context, r *record.Record) (*UpsertResult, error)
	GetRecord(ctx context.Context, id string) (*record.Record, error)
	ListRecordsByGroup(ctx context.Context, groupID string, limit int) ([]record.Record, error)
	SearchRecords(ctx context.Context, query string, limit int) ([]record.Record, error)
	UpdateRecordStatus(ctx context.Context, id string, status record.Status) error

	// Permissions
	ReplaceRecordPermissions(ctx context.Context, recordID string, perms []record.Permission) error
	ListRecordPermissions(ctx context.Context, recordID string) ([]record.Permission, error)

	// Fragments
	ReplaceFragments(ctx context.Context, recordID string, frags []record.Fragment) error
	ListFragments(ctx context.Context, recordID string) ([]record.Fragment, error)

	// Conversations
	CreateConversation(ctx context.Context, c *conversation.Conversation) (*conversation.Conversation, error)
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	ListConversations(ctx context.Context) ([]conversation.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m *conversation.Message) (*conversation.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)

	// OAuth tokens (sealed blobs; the store never sees plaintext tokens)
	UpsertOAuthToken(ctx context.Context, provider, connectorID string, sealed []byte, expiry time.Time) error
	GetOAuthToken(ctx context.Context, provider, connectorID string) ([]byte, error)
	DeleteOAuthToken(ctx context.Context, provider, connectorID string) error
}
