package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lattice-hq/lattice/internal/config"
	"github.com/lattice-hq/lattice/internal/domain/event"
	"github.com/lattice-hq/lattice/internal/domain/record"
	"github.com/lattice-hq/lattice/internal/port/messagequeue"
	"github.com/lattice-hq/lattice/internal/port/stream"
)

func indexerConfig() config.Indexer {
	return config.Indexer{
		MaxParsing:      4,
		MaxIndexing:     2,
		FragmentSize:    64,
		ShutdownTimeout: 2 * time.Second,
	}
}

func recordLogMessage(t *testing.T, store *fakeStore, content string) (stream.Message, *record.Record) {
	t.Helper()
	return seedRecordMessage(t, store, "ext-1", 7, content)
}

func seedRecordMessage(t *testing.T, store *fakeStore, externalID string, offset int64, content string) (stream.Message, *record.Record) {
	t.Helper()
	res, err := store.UpsertRecord(context.Background(), &record.Record{
		GroupID:    "g1",
		ExternalID: externalID,
		Title:      "doc",
		Content:    content,
		Checksum:   record.ChecksumOf(content),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	rm := event.RecordMessage{
		RecordID:    res.Record.ID,
		GroupID:     res.Record.GroupID,
		ConnectorID: res.Record.ConnectorID,
		Checksum:    res.Record.Checksum,
	}
	value, err := json.Marshal(rm)
	if err != nil {
		t.Fatalf("marshal record message: %v", err)
	}
	return stream.Message{Value: value, Offset: offset}, res.Record
}

// waitForPhase drains phase events until the wanted phase appears.
func waitForPhase(t *testing.T, ix *Indexer, phase string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ix.Events():
			if ev.Phase == phase {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %q", phase)
		}
	}
}

func TestIndexerProcessesRecord(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	reader := newFakeReader(1)

	msg, rec := recordLogMessage(t, store, strings.Repeat("lattice rows and columns\n", 20))
	reader.ch <- msg

	ix := NewIndexer(reader, store, queue, indexerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ix.Run(ctx) }()

	// Wait for both phase announcements.
	sawParse, sawIndex := false, false
	deadline := time.After(5 * time.Second)
	for !(sawParse && sawIndex) {
		select {
		case ev := <-ix.Events():
			switch ev.Phase {
			case PhaseParsingComplete:
				sawParse = true
			case PhaseIndexingComplete:
				sawIndex = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for phase events")
		}
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := store.GetRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Status != record.StatusIndexed {
		t.Errorf("status = %s, want indexed", got.Status)
	}

	frags, _ := store.ListFragments(context.Background(), rec.ID)
	if len(frags) == 0 {
		t.Fatal("expected fragments to be persisted")
	}
	for i, f := range frags {
		if f.Ordinal != i {
			t.Errorf("fragment %d has ordinal %d", i, f.Ordinal)
		}
	}

	// Status history must be pending -> parsed -> indexed.
	wantStatuses := []record.Status{record.StatusParsed, record.StatusIndexed}
	if len(store.statuses[rec.ID]) != len(wantStatuses) {
		t.Fatalf("status transitions = %v", store.statuses[rec.ID])
	}
	for i, want := range wantStatuses {
		if store.statuses[rec.ID][i] != want {
			t.Errorf("transition %d = %s, want %s", i, store.statuses[rec.ID][i], want)
		}
	}

	if offs := reader.committedOffsets(); len(offs) != 1 || offs[0] != 7 {
		t.Errorf("committed offsets = %v, want [7]", offs)
	}

	indexed := queue.bySubject(messagequeue.SubjectRecordIndexed)
	if len(indexed) != 1 {
		t.Fatalf("expected 1 indexed event, got %d", len(indexed))
	}
	var payload messagequeue.RecordIndexedPayload
	if err := json.Unmarshal(indexed[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RecordID != rec.ID || payload.Fragments != len(frags) {
		t.Errorf("payload = %+v", payload)
	}
}

func TestIndexerFailedParseMarksRecordAndCommits(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	reader := newFakeReader(1)

	msg, rec := recordLogMessage(t, store, "content")
	store.getRecordErr = errors.New("connection reset")
	reader.ch <- msg

	ix := NewIndexer(reader, store, queue, indexerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ix.Run(ctx) }()

	select {
	case ev := <-ix.Events():
		if ev.Phase != "failed" {
			t.Fatalf("phase = %s, want failed", ev.Phase)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure event")
	}

	cancel()
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The offset is committed so the poison message is not replayed forever.
	if offs := reader.committedOffsets(); len(offs) != 1 {
		t.Errorf("committed offsets = %v, want one", offs)
	}

	failed := queue.bySubject(messagequeue.SubjectRecordFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(failed))
	}
	var payload messagequeue.RecordFailedPayload
	if err := json.Unmarshal(failed[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.RecordID != rec.ID || payload.Phase != "parsing" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestIndexerFailedIndexingMarksRecord(t *testing.T) {
	store := newFakeStore()
	queue := &fakeQueue{}
	reader := newFakeReader(1)

	msg, rec := recordLogMessage(t, store, "content")
	store.replaceFragmentsErr = errors.New("disk full")
	reader.ch <- msg

	ix := NewIndexer(reader, store, queue, indexerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ix.Run(ctx) }()

	sawFailure := false
	deadline := time.After(5 * time.Second)
	for !sawFailure {
		select {
		case ev := <-ix.Events():
			if ev.Phase == "failed" {
				sawFailure = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for failure event")
		}
	}

	cancel()
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := store.GetRecord(context.Background(), rec.ID)
	if got.Status != record.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	failed := queue.bySubject(messagequeue.SubjectRecordFailed)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(failed))
	}
}

func TestIndexerMalformedMessageCommitted(t *testing.T) {
	store := newFakeStore()
	reader := newFakeReader(1)
	reader.ch <- stream.Message{Value: []byte("not-json"), Offset: 3}

	ix := NewIndexer(reader, store, &fakeQueue{}, indexerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ix.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		if offs := reader.committedOffsets(); len(offs) == 1 && offs[0] == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for commit")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestIndexerReleasesParseSlotDuringIndexing(t *testing.T) {
	store := newFakeStore()
	reader := newFakeReader(1)

	gate := make(chan struct{})
	store.replaceFragmentsGate = gate

	msg, _ := recordLogMessage(t, store, "content")
	reader.ch <- msg

	cfg := indexerConfig()
	cfg.MaxParsing = 1
	cfg.MaxIndexing = 2
	ix := NewIndexer(reader, store, &fakeQueue{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ix.Run(ctx) }()

	// The gate holds the record inside its indexing phase. The parse slot
	// is released before the phase event is emitted, so once the event
	// arrives the slot must be free even though indexing is still running.
	waitForPhase(t, ix, PhaseParsingComplete)

	if !ix.parseSem.TryAcquire(1) {
		t.Fatal("parse slot still held while record is indexing")
	}
	ix.parseSem.Release(1)

	// The record holds one of two index slots until the gate opens.
	if ix.indexSem.TryAcquire(2) {
		t.Fatal("index slot was released before indexing completed")
	}
	if !ix.indexSem.TryAcquire(1) {
		t.Fatal("spare index slot should still be free")
	}
	ix.indexSem.Release(1)

	close(gate)
	waitForPhase(t, ix, PhaseIndexingComplete)

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Full capacity back on both gates: each slot was released exactly
	// once. A double release would have panicked the worker.
	if !ix.parseSem.TryAcquire(1) {
		t.Error("parse slot not returned after completion")
	}
	if !ix.indexSem.TryAcquire(2) {
		t.Error("index slots not returned after completion")
	}
}

func TestIndexerAdmissionBoundsConcurrentParses(t *testing.T) {
	store := newFakeStore()
	reader := newFakeReader(2)

	gate := make(chan struct{})
	started := make(chan string, 2)
	store.getRecordGate = gate
	store.getRecordStarted = started

	first, _ := seedRecordMessage(t, store, "ext-a", 1, "first content")
	second, _ := seedRecordMessage(t, store, "ext-b", 2, "second content")
	reader.ch <- first
	reader.ch <- second

	cfg := indexerConfig()
	cfg.MaxParsing = 1
	cfg.MaxIndexing = 2
	ix := NewIndexer(reader, store, &fakeQueue{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ix.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first parse never started")
	}

	// The single parse slot is held by the gated record, so the second
	// message must wait at admission.
	select {
	case <-started:
		t.Fatal("second parse started while the only parse slot was held")
	case <-time.After(200 * time.Millisecond):
	}

	close(gate)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("second parse never started after slot was freed")
	}

	// Both records run to completion and commit.
	deadline := time.After(5 * time.Second)
	for len(reader.committedOffsets()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("committed offsets = %v, want two", reader.committedOffsets())
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestIndexerErrorPathReleasesSlotsOnce(t *testing.T) {
	store := newFakeStore()
	reader := newFakeReader(1)

	msg, _ := recordLogMessage(t, store, "content")
	store.replaceFragmentsErr = errors.New("disk full")
	reader.ch <- msg

	cfg := indexerConfig()
	cfg.MaxParsing = 1
	cfg.MaxIndexing = 1
	ix := NewIndexer(reader, store, &fakeQueue{}, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ix.Run(ctx) }()

	// Parsing succeeds and releases its slot eagerly; indexing fails and
	// the deferred guard releases the index slot.
	waitForPhase(t, ix, "failed")

	deadline := time.After(5 * time.Second)
	for len(reader.committedOffsets()) < 1 {
		select {
		case <-deadline:
			t.Fatal("failed record was never committed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Both gates back at capacity: the parse slot was not released a
	// second time by the guard, and the index slot came back despite the
	// error. A double release panics the worker goroutine.
	if !ix.parseSem.TryAcquire(1) {
		t.Error("parse slot not returned after failure")
	}
	if !ix.indexSem.TryAcquire(1) {
		t.Error("index slot not returned after failure")
	}
}

func TestIndexerShutdownClosesReader(t *testing.T) {
	reader := newFakeReader(1)
	ix := NewIndexer(reader, newFakeStore(), &fakeQueue{}, indexerConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- ix.Run(ctx) }()

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := ix.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	reader.mu.Lock()
	closed := reader.closed
	reader.mu.Unlock()
	if !closed {
		t.Error("expected reader to be closed after shutdown")
	}
}

func TestSplitFragments(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want int
	}{
		{"empty", "", 64, 0},
		{"fits", "short text", 64, 1},
		{"splits on newline", strings.Repeat("line one two three\n", 10), 64, 4},
		{"no separator", strings.Repeat("x", 200), 64, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitFragments(tt.text, tt.size)
			if len(got) != tt.want {
				t.Fatalf("got %d fragments, want %d: %q", len(got), tt.want, got)
			}
			for _, chunk := range got {
				if len(chunk) > tt.size {
					t.Errorf("fragment exceeds size: %d > %d", len(chunk), tt.size)
				}
			}
		})
	}
}
