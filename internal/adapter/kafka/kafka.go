// Package kafka adapts segmentio/kafka-go to the stream port. The reader
// uses consumer-group fetch with explicit offset commits so that a record
// is only committed after its indexing pipeline has finished.
package kafka

import (
	"context"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/port/stream"
)

// Reader consumes the record topic as part of a consumer group.
type Reader struct {
	reader *kafkago.Reader
}

// NewReader creates a consumer-group reader for the configured topic.
func NewReader(cfg config.Kafka) *Reader {
	return &Reader{
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10 << 20,
		}),
	}
}

// Fetch blocks until a message is available or the context is cancelled.
// The message's offset is not committed until Commit is called.
func (r *Reader) Fetch(ctx context.Context) (stream.Message, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return stream.Message{}, fmt.Errorf("fetch message: %w", err)
	}
	return stream.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
		Time:      msg.Time,
	}, nil
}

// Commit marks the message's offset as processed for the consumer group.
func (r *Reader) Commit(ctx context.Context, msg stream.Message) error {
	err := r.reader.CommitMessages(ctx, kafkago.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close shuts down the reader and leaves the consumer group.
func (r *Reader) Close() error {
	return r.reader.Close()
}

// Writer publishes records to the ingestion topic.
type Writer struct {
	writer *kafkago.Writer
}

// NewWriter creates a producer for the configured topic. Messages are
// hashed by key so that all revisions of one record land on the same
// partition and arrive in order.
func NewWriter(cfg config.Kafka) *Writer {
	return &Writer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
		},
	}
}

// Write publishes one message.
func (w *Writer) Write(ctx context.Context, key, value []byte) error {
	err := w.writer.WriteMessages(ctx, kafkago.Message{
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close flushes and shuts down the producer.
func (w *Writer) Close() error {
	return w.writer.Close()
}
