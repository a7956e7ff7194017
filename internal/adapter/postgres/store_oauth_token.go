package postgres

import (
	"context"
	"fmt"
	"time"
)

// UpsertOAuthToken stores a sealed token blob for a (provider, connector)
// pair. The store only ever sees ciphertext; sealing happens in the
// service layer.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, connectorID string, sealed []byte, expiry time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oauth_tokens (provider, connector_id, sealed, expiry)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider, connector_id) DO UPDATE SET
		   sealed = EXCLUDED.sealed,
		   expiry = EXCLUDED.expiry,
		   updated_at = now()`,
		provider, connectorID, sealed, nullTime(expiry))
	if err != nil {
		return fmt.Errorf("upsert oauth token %s/%s: %w", provider, connectorID, err)
	}
	return nil
}

// GetOAuthToken returns the sealed token blob for a (provider, connector)
// pair.
func (s *Store) GetOAuthToken(ctx context.Context, provider, connectorID string) ([]byte, error) {
	var sealed []byte
	err := s.pool.QueryRow(ctx,
		`SELECT sealed FROM oauth_tokens WHERE provider = $1 AND connector_id = $2`,
		provider, connectorID,
	).Scan(&sealed)
	if err != nil {
		return nil, notFoundWrap(err, "get oauth token %s/%s", provider, connectorID)
	}
	return sealed, nil
}

// DeleteOAuthToken removes the stored token for a (provider, connector) pair.
func (s *Store) DeleteOAuthToken(ctx context.Context, provider, connectorID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM oauth_tokens WHERE provider = $1 AND connector_id = $2`,
		provider, connectorID)
	return execExpectOne(tag, err, "delete oauth token %s/%s", provider, connectorID)
}
