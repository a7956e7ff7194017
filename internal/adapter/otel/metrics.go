package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lattice"

// Metrics holds all Lattice metric instruments.
type Metrics struct {
	SyncRunsStarted   metric.Int64Counter
	SyncRunsCompleted metric.Int64Counter
	SyncRunsFailed    metric.Int64Counter
	RecordsIngested   metric.Int64Counter
	RecordsSkipped    metric.Int64Counter
	RecordsIndexed    metric.Int64Counter
	RecordsFailed     metric.Int64Counter
	ToolCalls         metric.Int64Counter
	ToolCacheHits     metric.Int64Counter
	ChatTurns         metric.Int64Counter
	ChatTokens        metric.Int64Counter
	SyncDuration      metric.Float64Histogram
	IndexDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SyncRunsStarted, err = meter.Int64Counter("lattice.sync.runs.started",
		metric.WithDescription("Number of sync runs started"))
	if err != nil {
		return nil, err
	}

	m.SyncRunsCompleted, err = meter.Int64Counter("lattice.sync.runs.completed",
		metric.WithDescription("Number of sync runs completed"))
	if err != nil {
		return nil, err
	}

	m.SyncRunsFailed, err = meter.Int64Counter("lattice.sync.runs.failed",
		metric.WithDescription("Number of sync runs failed"))
	if err != nil {
		return nil, err
	}

	m.RecordsIngested, err = meter.Int64Counter("lattice.records.ingested",
		metric.WithDescription("Number of records written during sync"))
	if err != nil {
		return nil, err
	}

	m.RecordsSkipped, err = meter.Int64Counter("lattice.records.skipped",
		metric.WithDescription("Number of records skipped by checksum match"))
	if err != nil {
		return nil, err
	}

	m.RecordsIndexed, err = meter.Int64Counter("lattice.records.indexed",
		metric.WithDescription("Number of records fully indexed"))
	if err != nil {
		return nil, err
	}

	m.RecordsFailed, err = meter.Int64Counter("lattice.records.failed",
		metric.WithDescription("Number of records that failed parsing or indexing"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("lattice.toolcalls",
		metric.WithDescription("Number of tool calls"))
	if err != nil {
		return nil, err
	}

	m.ToolCacheHits, err = meter.Int64Counter("lattice.toolcalls.cache_hits",
		metric.WithDescription("Number of tool calls served from cache"))
	if err != nil {
		return nil, err
	}

	m.ChatTurns, err = meter.Int64Counter("lattice.chat.turns",
		metric.WithDescription("Number of completed agent turns"))
	if err != nil {
		return nil, err
	}

	m.ChatTokens, err = meter.Int64Counter("lattice.chat.tokens",
		metric.WithDescription("Total tokens consumed by agent turns"))
	if err != nil {
		return nil, err
	}

	m.SyncDuration, err = meter.Float64Histogram("lattice.sync.duration_seconds",
		metric.WithDescription("Sync run duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.IndexDuration, err = meter.Float64Histogram("lattice.index.duration_seconds",
		metric.WithDescription("Per-record indexing duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
