package ws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-hq/lattice/internal/port/messagequeue"
)

// Bridge forwards internal event bus messages to connected WebSocket
// clients. Bus payloads are already JSON, so they pass through as the
// message payload with the subject as the event type.
func Bridge(ctx context.Context, hub *Hub, queue messagequeue.Queue) (func(), error) {
	subjects := []string{
		messagequeue.SubjectSyncStatus,
		messagequeue.SubjectRecordIndexed,
		messagequeue.SubjectRecordFailed,
		messagequeue.SubjectChatTurn,
		messagequeue.SubjectToolBlocked,
	}

	stops := make([]func(), 0, len(subjects))
	stopAll := func() {
		for _, stop := range stops {
			stop()
		}
	}

	for _, subject := range subjects {
		stop, err := queue.Subscribe(ctx, subject, func(msgCtx context.Context, subj string, data []byte) error {
			hub.Broadcast(msgCtx, Message{
				Type:    subj,
				Payload: json.RawMessage(data),
			})
			return nil
		})
		if err != nil {
			stopAll()
			return nil, fmt.Errorf("bridge subscribe %s: %w", subject, err)
		}
		stops = append(stops, stop)
	}

	return stopAll, nil
}
