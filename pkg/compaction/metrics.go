// ABOUTME: This file defines the telemetry metrics interface for compaction passes
// ABOUTME: including input size, space reclaimed, duration and segments retired

package compaction

import (
	"context"
	"time"

	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CompactionMetrics interface defines telemetry methods for compaction operations
type CompactionMetrics interface {
	telemetry.ComponentMetrics

	// RecordCompactionStart records the start of a compaction pass
	RecordCompactionStart(ctx context.Context, inputSegments int, inputSize int64)

	// RecordCompactionComplete records the end of a compaction pass
	RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, success bool)

	// RecordSegmentsRetired records how many segments a pass retired
	RecordSegmentsRetired(ctx context.Context, count int)

	// RecordTrigger records why a compaction was requested
	RecordTrigger(ctx context.Context, reason string)
}

// Trigger reasons
const (
	TriggerThreshold = "threshold"
	TriggerManual    = "manual"
	TriggerWorker    = "worker"
)

// compactionMetrics implements CompactionMetrics using the telemetry package
type compactionMetrics struct {
	tel telemetry.Telemetry
}

// NewCompactionMetrics creates a new CompactionMetrics implementation
func NewCompactionMetrics(tel telemetry.Telemetry) CompactionMetrics {
	if tel == nil {
		return &noopCompactionMetrics{}
	}
	return &compactionMetrics{
		tel: tel,
	}
}

// NewNoopCompactionMetrics creates a no-op CompactionMetrics for testing/disabled scenarios
func NewNoopCompactionMetrics() CompactionMetrics {
	return &noopCompactionMetrics{}
}

func (m *compactionMetrics) RecordCompactionStart(ctx context.Context, inputSegments int, inputSize int64) {
	m.tel.RecordCounter(ctx, "kvs.compaction.start.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	m.tel.RecordCounter(ctx, "kvs.compaction.input.segments", int64(inputSegments),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	m.tel.RecordCounter(ctx, "kvs.compaction.input.bytes", inputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
}

func (m *compactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, success bool) {
	status := statusToString(success)

	m.tel.RecordHistogram(ctx, "kvs.compaction.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, "kvs.compaction.complete.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrStatus, status),
	)

	if !success {
		return
	}

	m.tel.RecordCounter(ctx, "kvs.compaction.output.bytes", outputSize,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)

	if inputSize > outputSize {
		m.tel.RecordCounter(ctx, "kvs.compaction.reclaimed.bytes", inputSize-outputSize,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}

	if inputSize > 0 {
		m.tel.RecordHistogram(ctx, "kvs.compaction.ratio", float64(outputSize)/float64(inputSize),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		)
	}
}

func (m *compactionMetrics) RecordSegmentsRetired(ctx context.Context, count int) {
	m.tel.RecordCounter(ctx, "kvs.compaction.segments.retired", int64(count),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
	)
}

func (m *compactionMetrics) RecordTrigger(ctx context.Context, reason string) {
	m.tel.RecordCounter(ctx, "kvs.compaction.trigger.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentCompaction),
		attribute.String(telemetry.AttrReason, reason),
	)
}

func (m *compactionMetrics) Close() error {
	return nil
}

// noopCompactionMetrics provides a no-op implementation
type noopCompactionMetrics struct{}

func (n *noopCompactionMetrics) RecordCompactionStart(ctx context.Context, inputSegments int, inputSize int64) {
}
func (n *noopCompactionMetrics) RecordCompactionComplete(ctx context.Context, duration time.Duration, inputSize int64, outputSize int64, success bool) {
}
func (n *noopCompactionMetrics) RecordSegmentsRetired(ctx context.Context, count int) {}
func (n *noopCompactionMetrics) RecordTrigger(ctx context.Context, reason string)     {}
func (n *noopCompactionMetrics) Close() error                                          { return nil }

func statusToString(success bool) string {
	if success {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusError
}
