package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/database"
)

// --- Groups ---

const groupColumns = `id, connector_id, external_id, name, COALESCE(description, ''), created_at, updated_at`

// UpsertGroup inserts a group or refreshes its name and description when a
// group with the same (connector_id, external_id) already exists.
func (s *Store) UpsertGroup(ctx context.Context, g *record.Group) (*record.Group, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO record_groups (connector_id, external_id, name, description)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (connector_id, external_id) DO UPDATE SET
		   name = EXCLUDED.name,
		   description = EXCLUDED.description,
		   updated_at = now()
		 RETURNING `+groupColumns,
		g.ConnectorID, g.ExternalID, g.Name, g.Description)

	var out record.Group
	err := row.Scan(&out.ID, &out.ConnectorID, &out.ExternalID, &out.Name, &out.Description, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert group %s: %w", g.ExternalID, err)
	}
	return &out, nil
}

func (s *Store) ListGroups(ctx context.Context, connectorID string) ([]record.Group, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+groupColumns+` FROM record_groups
		 WHERE connector_id = $1 ORDER BY name ASC`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []record.Group
	for rows.Next() {
		var g record.Group
		if err := rows.Scan(&g.ID, &g.ConnectorID, &g.ExternalID, &g.Name, &g.Description, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// --- Records ---

const recordColumns = `id, group_id, connector_id, external_id, title, content, COALESCE(mime_type, ''), COALESCE(revision, ''), checksum, status, version, created_at, updated_at`

// UpsertRecord inserts a record or updates an existing one keyed by
// (group_id, external_id). When the incoming checksum matches the stored
// one the row is left untouched and Changed is false, so callers can skip
// re-publishing unchanged records. A changed checksum bumps the version
// and resets the status to pending.
func (s *Store) UpsertRecord(ctx context.Context, r *record.Record) (*database.UpsertResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var existingID, existingChecksum string
	err = tx.QueryRow(ctx,
		`SELECT id, checksum FROM records WHERE group_id = $1 AND external_id = $2 FOR UPDATE`,
		r.GroupID, r.ExternalID,
	).Scan(&existingID, &existingChecksum)

	var row pgx.Row
	switch {
	case err == nil && existingChecksum == r.Checksum:
		row = tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM records WHERE id = $1`, existingID)
		out, err := scanRecord(row)
		if err != nil {
			return nil, fmt.Errorf("reload record %s: %w", r.ExternalID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &database.UpsertResult{Record: &out, Changed: false}, nil

	case err == nil:
		row = tx.QueryRow(ctx,
			`UPDATE records SET title = $2, content = $3, mime_type = $4, revision = $5,
			 checksum = $6, status = $7, version = version + 1, updated_at = now()
			 WHERE id = $1
			 RETURNING `+recordColumns,
			existingID, r.Title, r.Content, nullIfEmpty(r.MimeType), nullIfEmpty(r.Revision),
			r.Checksum, string(record.StatusPending))

	case errors.Is(err, pgx.ErrNoRows):
		row = tx.QueryRow(ctx,
			`INSERT INTO records (group_id, connector_id, external_id, title, content, mime_type, revision, checksum, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+recordColumns,
			r.GroupID, r.ConnectorID, r.ExternalID, r.Title, r.Content, nullIfEmpty(r.MimeType),
			nullIfEmpty(r.Revision), r.Checksum, string(record.StatusPending))

	default:
		return nil, fmt.Errorf("lookup record %s: %w", r.ExternalID, err)
	}

	out, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("upsert record %s: %w", r.ExternalID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &database.UpsertResult{Record: &out, Changed: true}, nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err != nil {
		return nil, notFoundWrap(err, "get record %s", id)
	}
	return &r, nil
}

func (s *Store) ListRecordsByGroup(ctx context.Context, groupID string, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE group_id = $1 ORDER BY updated_at DESC LIMIT $2`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records by group: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

// SearchRecords does a websearch-style full-text match over title and
// content, most recently updated first.
func (s *Store) SearchRecords(ctx context.Context, query string, limit int) ([]record.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM records
		 WHERE to_tsvector('simple', title || ' ' || content) @@ websearch_to_tsquery('simple', $1)
		 ORDER BY updated_at DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	return collectRecords(rows)
}

func (s *Store) UpdateRecordStatus(ctx context.Context, id string, status record.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	return execExpectOne(tag, err, "update record status %s", id)
}

func scanRecord(row scannable) (record.Record, error) {
	var r record.Record
	err := row.Scan(&r.ID, &r.GroupID, &r.ConnectorID, &r.ExternalID, &r.Title, &r.Content,
		&r.MimeType, &r.Revision, &r.Checksum, &r.Status, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func collectRecords(rows pgx.Rows) ([]record.Record, error) {
	var records []record.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Permissions ---

// ReplaceRecordPermissions swaps a record's permission set atomically.
func (s *Store) ReplaceRecordPermissions(ctx context.Context, recordID string, perms []record.Permission) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM record_permissions WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("clear permissions for %s: %w", recordID, err)
	}

	for i := range perms {
		p := &perms[i]
		err = tx.QueryRow(ctx,
			`INSERT INTO record_permissions (record_id, subject, kind)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at`,
			recordID, p.Subject, string(p.Kind),
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert permission %d for %s: %w", i, recordID, err)
		}
		p.RecordID = recordID
	}

	return tx.Commit(ctx)
}

func (s *Store) ListRecordPermissions(ctx context.Context, recordID string) ([]record.Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, subject, kind, created_at
		 FROM record_permissions WHERE record_id = $1 ORDER BY subject ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []record.Permission
	for rows.Next() {
		var p record.Permission
		if err := rows.Scan(&p.ID, &p.RecordID, &p.Subject, &p.Kind, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// --- Fragments ---

// ReplaceFragments swaps a record's parsed fragments atomically. Called by
// the indexing phase after a successful parse.
func (s *Store) ReplaceFragments(ctx context.Context, recordID string, frags []record.Fragment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(ctx, `DELETE FROM record_fragments WHERE record_id = $1`, recordID); err != nil {
		return fmt.Errorf("clear fragments for %s: %w", recordID, err)
	}

	for i := range frags {
		f := &frags[i]
		err = tx.QueryRow(ctx,
			`INSERT INTO record_fragments (record_id, ordinal, text)
			 VALUES ($1, $2, $3)
			 RETURNING id, created_at`,
			recordID, f.Ordinal, f.Text,
		).Scan(&f.ID, &f.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert fragment %d for %s: %w", i, recordID, err)
		}
		f.RecordID = recordID
	}

	return tx.Commit(ctx)
}

func (s *Store) ListFragments(ctx context.Context, recordID string) ([]record.Fragment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, record_id, ordinal, text, created_at
		 FROM record_fragments WHERE record_id = $1 ORDER BY ordinal ASC`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	var frags []record.Fragment
	for rows.Next() {
		var f record.Fragment
		if err := rows.Scan(&f.ID, &f.RecordID, &f.Ordinal, &f.Text, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}
