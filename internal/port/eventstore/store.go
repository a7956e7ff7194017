// Package eventstore defines the port interface for the append-only
// trajectory event store.
package eventstore

import (
	"context"
	"time"

	"github.com/lattice-hq/lattice/internal/domain/event"
)

// Filter controls which events are returned by LoadByConversation.
type Filter struct {
	Types  []event.Type `json:"types,omitempty"`
	After  *time.Time   `json:"after,omitempty"`
	Before *time.Time   `json:"before,omitempty"`
}

// Store is the port interface for appending and loading trajectory events.
type Store interface {
	// Append persists a new event to the store.
	Append(ctx context.Context, ev *event.TrajectoryEvent) error

	// LoadByConversation returns events for the conversation, ordered by
	// version, honoring the optional filter.
	LoadByConversation(ctx context.Context, conversationID string, filter Filter) ([]event.TrajectoryEvent, error)
}
