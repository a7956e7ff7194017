package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lattice-hq/lattice/internal/adapter/otel"
	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/database"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/port/stream"
)

// Phase names emitted by the pipeline. Each marks the completion of one
// gated stage.
const (
	PhaseParsingComplete  = "parsing_complete"
	PhaseIndexingComplete = "indexing_complete"
)

// PhaseEvent reports a record moving through the pipeline. Consumed by
// tests and operational tooling; delivery is best-effort.
type PhaseEvent struct {
	RecordID string
	Phase    string
	Err      error
}

// Indexer consumes the record log and runs each record through two gated
// phases: parsing (splitting content into fragments) and indexing
// (persisting fragments and flipping the record status).
//
// A message is admitted only after acquiring BOTH a parsing and an
// indexing slot. The pipeline announces each completed phase on a
// channel and the matching gate is released the moment the announcement
// is observed, so a record deep in indexing no longer holds a parsing
// slot. A deferred guard releases whatever is still held on error or
// panic, and sync.Once keeps every release single-shot. Offsets are
// committed only after the pipeline finishes (at-least-once).
type Indexer struct {
	reader  stream.Reader
	store   database.Store
	queue   messagequeue.Queue
	cfg     config.Indexer
	metrics *otel.Metrics

	parseSem *semaphore.Weighted
	indexSem *semaphore.Weighted
	events   chan PhaseEvent
	wg       sync.WaitGroup
}

// NewIndexer creates a new Indexer.
func NewIndexer(reader stream.Reader, store database.Store, queue messagequeue.Queue, cfg config.Indexer, metrics *otel.Metrics) *Indexer {
	return &Indexer{
		reader:   reader,
		store:    store,
		queue:    queue,
		cfg:      cfg,
		metrics:  metrics,
		parseSem: semaphore.NewWeighted(cfg.MaxParsing),
		indexSem: semaphore.NewWeighted(cfg.MaxIndexing),
		events:   make(chan PhaseEvent, 64),
	}
}

// Events returns the observational phase event channel.
func (ix *Indexer) Events() <-chan PhaseEvent {
	return ix.events
}

// Run fetches messages until ctx is cancelled. It blocks; run it in its
// own goroutine and call Shutdown to wait for in-flight records.
func (ix *Indexer) Run(ctx context.Context) error {
	slog.Info("indexer started", "max_parsing", ix.cfg.MaxParsing, "max_indexing", ix.cfg.MaxIndexing)

	for {
		msg, err := ix.reader.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch record message: %w", err)
		}

		// Admission: both gates are taken before the record enters the
		// pipeline, so fetch pressure backs up into the log.
		if err := ix.parseSem.Acquire(ctx, 1); err != nil {
			return nil
		}
		if err := ix.indexSem.Acquire(ctx, 1); err != nil {
			ix.parseSem.Release(1)
			return nil
		}

		ix.wg.Add(1)
		go ix.process(ctx, msg)
	}
}

// Shutdown waits for in-flight records to finish, up to the configured
// timeout, then closes the reader.
func (ix *Indexer) Shutdown() error {
	done := make(chan struct{})
	go func() {
		ix.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(ix.cfg.ShutdownTimeout):
		slog.Warn("indexer shutdown timed out with records in flight", "timeout", ix.cfg.ShutdownTimeout)
	}
	return ix.reader.Close()
}

// process supervises one record. Both slots are held on entry; each is
// released exactly once — eagerly when its phase completes, or by the
// deferred guard on any other exit.
func (ix *Indexer) process(ctx context.Context, msg stream.Message) {
	defer ix.wg.Done()

	var parseOnce, indexOnce sync.Once
	releaseParse := func() { parseOnce.Do(func() { ix.parseSem.Release(1) }) }
	releaseIndex := func() { indexOnce.Do(func() { ix.indexSem.Release(1) }) }
	defer releaseParse()
	defer releaseIndex()

	var rm event.RecordMessage
	if err := json.Unmarshal(msg.Value, &rm); err != nil {
		// Malformed log entries are committed so they don't wedge the
		// partition; there is no record to mark failed.
		slog.Error("malformed record message", "offset", msg.Offset, "error", err)
		ix.commit(msg)
		return
	}

	start := time.Now()
	phases := make(chan string, 2)
	pipeErr := make(chan pipelineResult, 1)
	go func() {
		phase, err := ix.pipeline(ctx, rm, phases)
		pipeErr <- pipelineResult{failedPhase: phase, err: err}
	}()

	for {
		select {
		case phase := <-phases:
			switch phase {
			case PhaseParsingComplete:
				releaseParse()
			case PhaseIndexingComplete:
				releaseIndex()
			}
			ix.emit(PhaseEvent{RecordID: rm.RecordID, Phase: phase})

		case res := <-pipeErr:
			if res.err != nil {
				if ctx.Err() != nil {
					// Shutdown mid-pipeline: leave the offset uncommitted
					// so the record is replayed.
					return
				}
				ix.fail(ctx, rm, res.failedPhase, res.err)
				ix.commit(msg)
				return
			}
			// Drain phase announcements the select raced past.
			for len(phases) > 0 {
				phase := <-phases
				switch phase {
				case PhaseParsingComplete:
					releaseParse()
				case PhaseIndexingComplete:
					releaseIndex()
				}
				ix.emit(PhaseEvent{RecordID: rm.RecordID, Phase: phase})
			}
			if ix.metrics != nil {
				ix.metrics.RecordsIndexed.Add(ctx, 1)
				ix.metrics.IndexDuration.Record(ctx, time.Since(start).Seconds())
			}
			ix.commit(msg)
			return
		}
	}
}

type pipelineResult struct {
	failedPhase string
	err         error
}

// pipeline runs both phases, announcing each completion. On failure it
// returns the phase that broke.
func (ix *Indexer) pipeline(ctx context.Context, rm event.RecordMessage, phases chan<- string) (string, error) {
	frags, err := ix.parse(ctx, rm)
	if err != nil {
		return "parsing", err
	}
	phases <- PhaseParsingComplete

	if err := ix.index(ctx, rm, frags); err != nil {
		return "indexing", err
	}
	phases <- PhaseIndexingComplete
	return "", nil
}

// parse loads the record and splits its content into fragments.
func (ix *Indexer) parse(ctx context.Context, rm event.RecordMessage) ([]record.Fragment, error) {
	rec, err := ix.store.GetRecord(ctx, rm.RecordID)
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	if rec.Checksum != rm.Checksum {
		// The record changed again after this message was written; a newer
		// message carries the current checksum. Index what is stored now,
		// the later message then becomes a cheap replay.
		slog.Debug("record changed since message was written", "record_id", rec.ID)
	}

	texts := splitFragments(rec.Content, ix.cfg.FragmentSize)
	frags := make([]record.Fragment, len(texts))
	for i, text := range texts {
		frags[i] = record.Fragment{RecordID: rec.ID, Ordinal: i, Text: text}
	}

	if err := ix.store.UpdateRecordStatus(ctx, rec.ID, record.StatusParsed); err != nil {
		return nil, fmt.Errorf("mark parsed: %w", err)
	}
	return frags, nil
}

// index persists the fragments, marks the record indexed and announces it
// on the bus.
func (ix *Indexer) index(ctx context.Context, rm event.RecordMessage, frags []record.Fragment) error {
	if err := ix.store.ReplaceFragments(ctx, rm.RecordID, frags); err != nil {
		return fmt.Errorf("replace fragments: %w", err)
	}
	if err := ix.store.UpdateRecordStatus(ctx, rm.RecordID, record.StatusIndexed); err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}

	payload, err := json.Marshal(messagequeue.RecordIndexedPayload{
		RecordID:    rm.RecordID,
		GroupID:     rm.GroupID,
		ConnectorID: rm.ConnectorID,
		Fragments:   len(frags),
	})
	if err != nil {
		return fmt.Errorf("marshal indexed payload: %w", err)
	}
	if err := ix.queue.Publish(ctx, messagequeue.SubjectRecordIndexed, payload); err != nil {
		slog.Warn("publish record indexed failed", "record_id", rm.RecordID, "error", err)
	}
	return nil
}

// fail marks the record failed and announces the failure.
func (ix *Indexer) fail(ctx context.Context, rm event.RecordMessage, phase string, cause error) {
	slog.Error("record pipeline failed", "record_id", rm.RecordID, "phase", phase, "error", cause)
	ix.emit(PhaseEvent{RecordID: rm.RecordID, Phase: "failed", Err: cause})
	if ix.metrics != nil {
		ix.metrics.RecordsFailed.Add(ctx, 1)
	}

	if err := ix.store.UpdateRecordStatus(ctx, rm.RecordID, record.StatusFailed); err != nil {
		slog.Error("mark record failed", "record_id", rm.RecordID, "error", err)
	}

	payload, err := json.Marshal(messagequeue.RecordFailedPayload{
		RecordID: rm.RecordID,
		Phase:    phase,
		Error:    cause.Error(),
	})
	if err != nil {
		return
	}
	if err := ix.queue.Publish(ctx, messagequeue.SubjectRecordFailed, payload); err != nil {
		slog.Warn("publish record failed event", "record_id", rm.RecordID, "error", err)
	}
}

func (ix *Indexer) commit(msg stream.Message) {
	// Commits get their own deadline; the consumer context may already be
	// cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ix.reader.Commit(ctx, msg); err != nil {
		slog.Error("commit offset failed", "offset", msg.Offset, "error", err)
	}
}

// emit delivers a phase event without ever blocking the pipeline.
func (ix *Indexer) emit(ev PhaseEvent) {
	select {
	case ix.events <- ev:
	default:
	}
}

// splitFragments cuts text into chunks of at most size bytes, preferring
// to break at a newline and falling back to a space. Empty input yields
// no fragments.
func splitFragments(text string, size int) []string {
	if size <= 0 {
		size = 2048
	}
	var out []string
	for len(text) > 0 {
		if len(text) <= size {
			if chunk := strings.TrimSpace(text); chunk != "" {
				out = append(out, chunk)
			}
			break
		}

		cut := size
		if i := strings.LastIndexByte(text[:size], '\n'); i > 0 {
			cut = i
		} else if i := strings.LastIndexByte(text[:size], ' '); i > 0 {
			cut = i
		}

		if chunk := strings.TrimSpace(text[:cut]); chunk != "" {
			out = append(out, chunk)
		}
		text = text[cut:]
	}
	return out
}
