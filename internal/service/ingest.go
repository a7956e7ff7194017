package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lattice-hq/lattice/internal/adapter/otel"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/port/stream"
)

// IngestService writes records to the store and appends new or changed
// ones to the partitioned record log for the indexing consumer. Records
// whose checksum matches the stored row never reach the log.
type IngestService struct {
	store   database.Store
	writer  stream.Writer
	metrics *otel.Metrics
}

// NewIngestService creates a new IngestService.
func NewIngestService(store database.Store, writer stream.Writer, metrics *otel.Metrics) *IngestService {
	return &IngestService{store: store, writer: writer, metrics: metrics}
}

// Ingest upserts the record and, when its content changed, publishes it to
// the record log. rec is updated in place with the stored row (ID, version,
// timestamps). Returns whether the record was new or changed.
func (s *IngestService) Ingest(ctx context.Context, rec *record.Record) (bool, error) {
	if rec.Checksum == "" {
		rec.Checksum = record.ChecksumOf(rec.Content)
	}

	res, err := s.store.UpsertRecord(ctx, rec)
	if err != nil {
		return false, err
	}
	*rec = *res.Record

	if !res.Changed {
		if s.metrics != nil {
			s.metrics.RecordsSkipped.Add(ctx, 1)
		}
		return false, nil
	}

	msg := event.RecordMessage{
		RecordID:    rec.ID,
		GroupID:     rec.GroupID,
		ConnectorID: rec.ConnectorID,
		Revision:    rec.Revision,
		Checksum:    rec.Checksum,
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("marshal record message: %w", err)
	}

	// Keyed by record ID so revisions of one record stay on one partition
	// and are consumed in order.
	if err := s.writer.Write(ctx, []byte(rec.ID), value); err != nil {
		return false, fmt.Errorf("write record message: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordsIngested.Add(ctx, 1)
	}
	slog.Debug("record ingested", "record_id", rec.ID, "version", rec.Version)
	return true, nil
}
