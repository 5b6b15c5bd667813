// Package telemetry provides OpenTelemetry instrumentation for the sync
// service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter.
const SyncMetricsMeterName = "github.com/calmirror/calmirror/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync runs.
type SyncMetrics struct {
	syncDuration    metric.Float64Histogram
	operationsTotal metric.Int64Counter
	skipsTotal      metric.Int64Counter
}

// NewSyncMetrics creates a SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"calmirror_sync_duration_seconds",
		metric.WithDescription("Duration of sync runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	operationsTotal, err := meter.Int64Counter(
		"calmirror_sync_operations_total",
		metric.WithDescription("Calendar operations applied by sync runs"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	skipsTotal, err := meter.Int64Counter(
		"calmirror_sync_skips_total",
		metric.WithDescription("Sync runs skipped, by reason"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:    syncDuration,
		operationsTotal: operationsTotal,
		skipsTotal:      skipsTotal,
	}, nil
}

// RecordSyncDuration records the duration and outcome of a sync run.
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, trigger string, duration time.Duration, success bool) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("trigger", trigger),
		attribute.Bool("success", success),
	}
	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordOperations records the operations applied by a completed run.
func (m *SyncMetrics) RecordOperations(ctx context.Context, created, updated, deleted int) {
	if m == nil || m.operationsTotal == nil {
		return
	}

	m.operationsTotal.Add(ctx, int64(created), metric.WithAttributes(attribute.String("op", "create")))
	m.operationsTotal.Add(ctx, int64(updated), metric.WithAttributes(attribute.String("op", "update")))
	m.operationsTotal.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("op", "delete")))
}

// RecordSkip records a skipped run and why it was skipped.
func (m *SyncMetrics) RecordSkip(ctx context.Context, reason string) {
	if m == nil || m.skipsTotal == nil {
		return
	}

	m.skipsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
