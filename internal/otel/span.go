// Package otel provides OpenTelemetry instrumentation utilities for the
// mirror service.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for business context used across the application.
// Using shared keys ensures consistent attribute naming in traces.
const (
	AttrSyncTrigger  = attribute.Key("sync.trigger")
	AttrSyncOutcome  = attribute.Key("sync.outcome")
	AttrSyncFull     = attribute.Key("sync.full")
	AttrChannelID    = attribute.Key("channel.id")
	AttrCalendarID   = attribute.Key("calendar.id")
	AttrCreatedCount = attribute.Key("ops.created")
	AttrUpdatedCount = attribute.Key("ops.updated")
	AttrDeletedCount = attribute.Key("ops.deleted")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
// This provides graceful degradation when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// Note: The status description is intentionally generic so provider error
// bodies (which can carry event details) do not end up in trace status. The
// full error is still available via span events for debugging.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
