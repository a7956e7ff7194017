package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lattice-hq/lattice/internal/domain/connector"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Connectors ---

const connectorColumns = `id, name, source_type, COALESCE(oauth_provider, ''), config, status, created_at, updated_at`

func (s *Store) ListConnectors(ctx context.Context) ([]connector.Connector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectorColumns+` FROM connectors ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var connectors []connector.Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		connectors = append(connectors, c)
	}
	return connectors, rows.Err()
}

func (s *Store) GetConnector(ctx context.Context, id string) (*connector.Connector, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+connectorColumns+` FROM connectors WHERE id = $1`, id)

	c, err := scanConnector(row)
	if err != nil {
		return nil, notFoundWrap(err, "get connector %s", id)
	}
	return &c, nil
}

func (s *Store) CreateConnector(ctx context.Context, req connector.CreateRequest) (*connector.Connector, error) {
	configJSON, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO connectors (name, source_type, oauth_provider, config)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+connectorColumns,
		req.Name, req.SourceType, nullIfEmpty(req.OAuthProvider), configJSON)

	c, err := scanConnector(row)
	if err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}
	return &c, nil
}

func (s *Store) UpdateConnectorStatus(ctx context.Context, id string, status connector.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE connectors SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return execExpectOne(tag, err, "update connector status %s", id)
}

func (s *Store) DeleteConnector(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM connectors WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete connector %s", id)
}

func scanConnector(row scannable) (connector.Connector, error) {
	var c connector.Connector
	var configJSON []byte
	err := row.Scan(&c.ID, &c.Name, &c.SourceType, &c.OAuthProvider, &configJSON, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return c, fmt.Errorf("unmarshal connector config: %w", err)
		}
	}
	return c, nil
}

// --- Sync runs ---

const syncRunColumns = `id, connector_id, status, groups_synced, records_synced, records_skipped, COALESCE(error, ''), started_at, completed_at`

func (s *Store) CreateSyncRun(ctx context.Context, connectorID string) (*connector.SyncRun, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sync_runs (connector_id, status)
		 VALUES ($1, $2)
		 RETURNING `+syncRunColumns,
		connectorID, string(connector.RunRunning))

	r, err := scanSyncRun(row)
	if err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}
	return &r, nil
}

func (s *Store) FinishSyncRun(ctx context.Context, run *connector.SyncRun) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, groups_synced = $3, records_synced = $4,
		 records_skipped = $5, error = $6, completed_at = now()
		 WHERE id = $1`,
		run.ID, string(run.Status), run.GroupsSynced, run.RecordsSynced, run.RecordsSkipped, nullIfEmpty(run.Error))
	return execExpectOne(tag, err, "finish sync run %s", run.ID)
}

func (s *Store) ListSyncRuns(ctx context.Context, connectorID string, limit int) ([]connector.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs
		 WHERE connector_id = $1 ORDER BY started_at DESC LIMIT $2`, connectorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []connector.SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanSyncRun(row scannable) (connector.SyncRun, error) {
	var r connector.SyncRun
	err := row.Scan(&r.ID, &r.ConnectorID, &r.Status, &r.GroupsSynced, &r.RecordsSynced,
		&r.RecordsSkipped, &r.Error, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return r, fmt.Errorf("scan sync run: %w", err)
	}
	return r, nil
}
