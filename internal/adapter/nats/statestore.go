package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StateStore is a thin wrapper over a JetStream KV bucket for short-lived
// state. Entries expire with the bucket TTL.
type StateStore struct {
	kv jetstream.KeyValue
}

// NewStateStore creates (or binds to) a TTL'd KV bucket.
func (q *Queue) NewStateStore(ctx context.Context, bucket string, ttl time.Duration) (*StateStore, error) {
	kv, err := q.KeyValue(ctx, bucket, ttl)
	if err != nil {
		return nil, err
	}
	return &StateStore{kv: kv}, nil
}

// Put stores a value under key.
func (s *StateStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *StateStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), nil
}

// Delete removes the value stored under key.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}
