package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/port/eventstore"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the trajectory_events table. The version
// is assigned per conversation so replaying by version reconstructs the
// exact order of the trajectory.
func (s *EventStore) Append(ctx context.Context, ev *event.TrajectoryEvent) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO trajectory_events (conversation_id, event_type, payload, request_id, version)
		 VALUES ($1, $2, $3, $4,
		   COALESCE((SELECT MAX(version) FROM trajectory_events WHERE conversation_id = $1), 0) + 1)
		 RETURNING id, version, created_at`,
		ev.ConversationID, string(ev.Type), ev.Payload, nullIfEmpty(ev.RequestID),
	).Scan(&ev.ID, &ev.Version, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

const eventColumns = `id, conversation_id, event_type, payload, COALESCE(request_id, ''), version, created_at`

// LoadByConversation returns events for the conversation ordered by version
// ascending, honoring the optional filter.
func (s *EventStore) LoadByConversation(ctx context.Context, conversationID string, filter eventstore.Filter) ([]event.TrajectoryEvent, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM trajectory_events WHERE conversation_id = $1`)
	args := []any{conversationID}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		sb.WriteString(` AND event_type = ANY($` + strconv.Itoa(len(args)) + `)`)
	}
	if filter.After != nil {
		args = append(args, *filter.After)
		sb.WriteString(` AND created_at > $` + strconv.Itoa(len(args)))
	}
	if filter.Before != nil {
		args = append(args, *filter.Before)
		sb.WriteString(` AND created_at < $` + strconv.Itoa(len(args)))
	}
	sb.WriteString(` ORDER BY version ASC`)

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("load events for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var events []event.TrajectoryEvent
	for rows.Next() {
		var ev event.TrajectoryEvent
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &ev.Type, &ev.Payload, &ev.RequestID, &ev.Version, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
