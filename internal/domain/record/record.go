// Package record defines the generic Record, RecordGroup and Permission
// entities shared by every connector.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Status tracks a record through the ingestion and indexing pipeline.
type Status string

const (
	StatusPending Status = "pending"
	StatusParsed  Status = "parsed"
	StatusIndexed Status = "indexed"
	StatusFailed  Status = "failed"
)

// Group represents a SaaS collection a record belongs to, e.g. a project,
// repository, channel or drive.
type Group struct {
	ID          string    `json:"id"`
	ConnectorID string    `json:"connector_id"`
	ExternalID  string    `json:"external_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Record represents a single item inside a group, e.g. an issue, a merge
// request or a document.
type Record struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	ConnectorID string    `json:"connector_id"`
	ExternalID  string    `json:"external_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	Revision    string    `json:"revision,omitempty"`
	Checksum    string    `json:"checksum"`
	Status      Status    `json:"status"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PermissionKind is the access level a permission grants.
type PermissionKind string

const (
	PermissionRead  PermissionKind = "read"
	PermissionWrite PermissionKind = "write"
	PermissionOwner PermissionKind = "owner"
)

// Permission represents an access-control grant on a record or group.
// Exactly one of RecordID and GroupID is set.
type Permission struct {
	ID        string         `json:"id"`
	RecordID  string         `json:"record_id,omitempty"`
	GroupID   string         `json:"group_id,omitempty"`
	Subject   string         `json:"subject"` // user email or group principal
	Kind      PermissionKind `json:"kind"`
	CreatedAt time.Time      `json:"created_at"`
}

// Fragment is a parsed slice of a record's content produced by the parsing
// phase and persisted by the indexing phase.
type Fragment struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Ordinal   int       `json:"ordinal"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ChecksumOf returns the hex SHA-256 of a record's content. Used to skip
// re-ingestion of unchanged records.
func ChecksumOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
