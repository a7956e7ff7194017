// Package service implements the use-case layer wiring stores, queues and
// external sources together.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lattice-hq/lattice/internal/adapter/otel"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/domain"
	"github.com/lattice-hq/lattice/internal/domain/connector"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/port/source"
	"github.com/lattice-hq/lattice/internal/registry"
	"github.com/lattice-hq/lattice/internal/resilience"
)

// SyncService walks connectors over their external sources: it pages
// groups and records, upserts them, and feeds new or changed records to
// the ingestion log. Unchanged records (checksum match) are skipped.
type SyncService struct {
	store   database.Store
	queue   messagequeue.Queue
	ingest  *IngestService
	sources *registry.Registry[source.Factory]
	oauth   *OAuthService
	cfg     config.Sync
	brkCfg  config.Breaker
	metrics *otel.Metrics

	mu       sync.Mutex
	running  map[string]struct{}
	breakers map[string]*resilience.Breaker
}

// NewSyncService creates a new SyncService.
func NewSyncService(store database.Store, queue messagequeue.Queue, ingest *IngestService, sources *registry.Registry[source.Factory], oauth *OAuthService, cfg config.Sync, brkCfg config.Breaker, metrics *otel.Metrics) *SyncService {
	return &SyncService{
		store:    store,
		queue:    queue,
		ingest:   ingest,
		sources:  sources,
		oauth:    oauth,
		cfg:      cfg,
		brkCfg:   brkCfg,
		metrics:  metrics,
		running:  make(map[string]struct{}),
		breakers: make(map[string]*resilience.Breaker),
	}
}

// breaker returns the connector's circuit breaker, creating it on first use.
func (s *SyncService) breaker(connectorID string) *resilience.Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[connectorID]
	if !ok {
		b = resilience.NewBreaker(s.brkCfg.MaxFailures, s.brkCfg.Timeout)
		s.breakers[connectorID] = b
	}
	return b
}

// ErrSyncInProgress is returned when a connector already has a running sync.
var ErrSyncInProgress = fmt.Errorf("%w: sync already in progress", domain.ErrConflict)

// Trigger starts a sync run for the connector and returns immediately with
// the created run. The sync itself proceeds in the background, bounded by
// the configured run timeout.
func (s *SyncService) Trigger(ctx context.Context, connectorID string) (*connector.SyncRun, error) {
	conn, err := s.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if conn.Status != connector.StatusActive {
		return nil, fmt.Errorf("%w: connector %s is %s", domain.ErrInvalid, conn.ID, conn.Status)
	}

	if s.breaker(conn.ID).Open() {
		return nil, fmt.Errorf("%w: connector %s is cooling down after repeated sync failures", domain.ErrConflict, conn.ID)
	}

	src, err := s.buildSource(conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, busy := s.running[conn.ID]; busy {
		s.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	s.running[conn.ID] = struct{}{}
	s.mu.Unlock()

	run, err := s.store.CreateSyncRun(ctx, conn.ID)
	if err != nil {
		s.release(conn.ID)
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SyncRunsStarted.Add(ctx, 1)
	}
	s.publishStatus(ctx, run)

	// Detached from the request context: the run outlives the HTTP call.
	go func() {
		runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
		defer cancel()
		defer s.release(conn.ID)
		s.execute(runCtx, conn, src, run)
	}()

	return run, nil
}

func (s *SyncService) release(connectorID string) {
	s.mu.Lock()
	delete(s.running, connectorID)
	s.mu.Unlock()
}

// buildSource looks up the connector's source factory and instantiates it
// with a live-token closure when the connector is OAuth-backed.
func (s *SyncService) buildSource(conn *connector.Connector) (source.Source, error) {
	factory, ok := s.sources.Get(conn.SourceType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown source type %q", domain.ErrInvalid, conn.SourceType)
	}

	var tokenFn func(ctx context.Context) (string, error)
	if conn.OAuthProvider != "" {
		tokenFn = s.oauth.TokenFunc(conn.OAuthProvider, conn.ID)
	} else {
		tokenFn = func(context.Context) (string, error) { return "", nil }
	}

	src, err := factory(conn.Config, tokenFn)
	if err != nil {
		return nil, fmt.Errorf("build source %q: %w", conn.SourceType, err)
	}
	return src, nil
}

// execute runs the sync to completion and persists the outcome.
func (s *SyncService) execute(ctx context.Context, conn *connector.Connector, src source.Source, run *connector.SyncRun) {
	start := time.Now()
	var groups, synced, skipped atomic.Int64

	err := s.syncGroups(ctx, conn, src, &groups, &synced, &skipped)

	run.GroupsSynced = int(groups.Load())
	run.RecordsSynced = int(synced.Load())
	run.RecordsSkipped = int(skipped.Load())
	if err != nil {
		run.Status = connector.RunFailed
		run.Error = err.Error()
		s.breaker(conn.ID).RecordFailure()
		if s.metrics != nil {
			s.metrics.SyncRunsFailed.Add(ctx, 1)
		}
		slog.Error("sync run failed", "run_id", run.ID, "connector_id", conn.ID, "error", err)
	} else {
		run.Status = connector.RunCompleted
		s.breaker(conn.ID).RecordSuccess()
		if s.metrics != nil {
			s.metrics.SyncRunsCompleted.Add(ctx, 1)
			s.metrics.SyncDuration.Record(ctx, time.Since(start).Seconds())
		}
		slog.Info("sync run completed",
			"run_id", run.ID,
			"connector_id", conn.ID,
			"groups", run.GroupsSynced,
			"records", run.RecordsSynced,
			"skipped", run.RecordsSkipped,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	// Finishing the run must not be cut short by a run timeout.
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := s.store.FinishSyncRun(finishCtx, run); ferr != nil {
		slog.Error("finish sync run failed", "run_id", run.ID, "error", ferr)
	}
	s.publishStatus(finishCtx, run)
}

// syncGroups pages the source's groups and fans out per-group record syncs.
func (s *SyncService) syncGroups(ctx context.Context, conn *connector.Connector, src source.Source, groups, synced, skipped *atomic.Int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxParallelGroups)

	pageToken := ""
	for {
		page, err := src.ListGroups(ctx, pageToken, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list groups: %w", err)
		}

		for i := range page.Groups {
			grp := page.Groups[i]
			grp.ConnectorID = conn.ID

			stored, err := s.store.UpsertGroup(ctx, &grp)
			if err != nil {
				return fmt.Errorf("upsert group %s: %w", grp.ExternalID, err)
			}
			groups.Add(1)

			g.Go(func() error {
				return s.syncRecords(gctx, conn, src, stored.ID, stored.ExternalID, synced, skipped)
			})
		}

		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}

	return g.Wait()
}

// syncRecords pages one group's records, upserting each and forwarding
// changed ones to the ingestion log.
func (s *SyncService) syncRecords(ctx context.Context, conn *connector.Connector, src source.Source, groupID, groupExternalID string, synced, skipped *atomic.Int64) error {
	pageToken := ""
	for {
		page, err := src.ListRecords(ctx, groupExternalID, pageToken, s.cfg.PageSize)
		if err != nil {
			return fmt.Errorf("list records for group %s: %w", groupExternalID, err)
		}

		for i := range page.Records {
			rec := page.Records[i]
			rec.GroupID = groupID
			rec.ConnectorID = conn.ID

			changed, err := s.ingest.Ingest(ctx, &rec)
			if err != nil {
				return fmt.Errorf("ingest record %s: %w", rec.ExternalID, err)
			}
			if !changed {
				skipped.Add(1)
				continue
			}
			synced.Add(1)

			if err := s.syncPermissions(ctx, src, &rec); err != nil {
				// Permission listing failures degrade the record, not the run.
				slog.Warn("sync permissions failed", "record_id", rec.ID, "error", err)
			}
		}

		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}
	return nil
}

// syncPermissions replaces a record's permissions with the source's
// current listing.
func (s *SyncService) syncPermissions(ctx context.Context, src source.Source, rec *record.Record) error {
	pageToken := ""
	var perms []record.Permission
	for {
		page, err := src.ListPermissions(ctx, rec.ExternalID, pageToken, s.cfg.PageSize)
		if err != nil {
			return err
		}
		perms = append(perms, page.Permissions...)
		if page.NextToken == "" {
			break
		}
		pageToken = page.NextToken
	}
	return s.store.ReplaceRecordPermissions(ctx, rec.ID, perms)
}

// publishStatus emits a sync.status event on the internal bus.
func (s *SyncService) publishStatus(ctx context.Context, run *connector.SyncRun) {
	payload, err := json.Marshal(messagequeue.SyncStatusPayload{
		RunID:          run.ID,
		ConnectorID:    run.ConnectorID,
		Status:         string(run.Status),
		GroupsSynced:   run.GroupsSynced,
		RecordsSynced:  run.RecordsSynced,
		RecordsSkipped: run.RecordsSkipped,
		Error:          run.Error,
	})
	if err != nil {
		slog.Error("marshal sync status", "error", err)
		return
	}
	if err := s.queue.Publish(ctx, messagequeue.SubjectSyncStatus, payload); err != nil {
		slog.Warn("publish sync status failed", "run_id", run.ID, "error", err)
	}
}
