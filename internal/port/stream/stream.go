// Package stream defines the port for the partitioned record log
// (Kafka) feeding the indexing consumer.
package stream

import (
	"context"
	"time"
)

// Message is one consumed record-log entry.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// Reader fetches messages and commits offsets explicitly. Fetch blocks
// until a message is available or the context is cancelled; commits are
// deferred until the caller has fully processed the message
// (at-least-once delivery).
type Reader interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Writer appends messages to the record log.
type Writer interface {
	Write(ctx context.Context, key, value []byte) error
	Close() error
}
