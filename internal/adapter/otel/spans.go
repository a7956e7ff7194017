package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "lattice"

// StartSyncSpan starts a span for a connector sync run.
func StartSyncSpan(ctx context.Context, runID, connectorID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "sync",
		trace.WithAttributes(
			attribute.String("sync.run_id", runID),
			attribute.String("sync.connector_id", connectorID),
		),
	)
}

// StartIndexSpan starts a span for indexing a single record.
func StartIndexSpan(ctx context.Context, recordID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "index",
		trace.WithAttributes(
			attribute.String("record.id", recordID),
		),
	)
}

// StartTurnSpan starts a span for one agent conversation turn.
func StartTurnSpan(ctx context.Context, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
		),
	)
}
