// ABOUTME: Engine telemetry metrics interface and implementation for key-value operations
// ABOUTME: Covers Get/Set/Remove latency, bytes written, segment rolls and startup recovery

package engine

import (
	"context"
	"time"

	"github.com/KevoDB/kvs/pkg/stats"
	"github.com/KevoDB/kvs/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// EngineMetrics defines the telemetry the engine records.
// All metrics are optional - implementations can safely be no-op.
type EngineMetrics interface {
	telemetry.ComponentMetrics

	// RecordGet records metrics for a Get operation.
	RecordGet(ctx context.Context, duration time.Duration, found bool)

	// RecordSet records metrics for a Set operation.
	RecordSet(ctx context.Context, duration time.Duration, bytes int64)

	// RecordRemove records metrics for a Remove operation.
	RecordRemove(ctx context.Context, duration time.Duration, found bool)

	// RecordError records a failed operation.
	RecordError(ctx context.Context, operation string, err error)

	// RecordRoll records the start of a new active segment.
	RecordRoll(ctx context.Context, segmentID uint64)

	// RecordRecovery records the outcome of startup replay.
	RecordRecovery(ctx context.Context, duration time.Duration, result stats.RecoveryResult)
}

// engineMetrics implements EngineMetrics using the telemetry interface.
type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewEngineMetrics creates a new engine metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewEngineMetrics(tel telemetry.Telemetry) EngineMetrics {
	if tel == nil {
		return &noopEngineMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopEngineMetrics creates a no-op engine metrics implementation for testing.
func NewNoopEngineMetrics() EngineMetrics {
	return &noopEngineMetrics{}
}

func (m *engineMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {
	m.tel.RecordHistogram(ctx, "kvs.engine.get.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet),
		attribute.Bool("found", found),
	)

	m.tel.RecordCounter(ctx, "kvs.engine.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeGet),
		attribute.String(telemetry.AttrStatus, getStatusFromFound(found)),
	)
}

func (m *engineMetrics) RecordSet(ctx context.Context, duration time.Duration, bytes int64) {
	m.tel.RecordHistogram(ctx, "kvs.engine.set.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSet),
	)

	m.tel.RecordCounter(ctx, "kvs.engine.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSet),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	)

	telemetry.RecordBytes(ctx, m.tel, "kvs.engine.bytes.written", bytes,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSet),
	)
}

func (m *engineMetrics) RecordRemove(ctx context.Context, duration time.Duration, found bool) {
	m.tel.RecordHistogram(ctx, "kvs.engine.remove.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRemove),
	)

	m.tel.RecordCounter(ctx, "kvs.engine.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRemove),
		attribute.String(telemetry.AttrStatus, getStatusFromFound(found)),
	)
}

func (m *engineMetrics) RecordError(ctx context.Context, operation string, err error) {
	m.tel.RecordCounter(ctx, "kvs.engine.errors.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, operation),
		attribute.String(telemetry.AttrErrorType, errorType(err)),
	)
}

func (m *engineMetrics) RecordRoll(ctx context.Context, segmentID uint64) {
	m.tel.RecordCounter(ctx, "kvs.engine.segment.rolls", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentSegment),
		attribute.Int64(telemetry.AttrSegmentID, int64(segmentID)),
	)
}

func (m *engineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, result stats.RecoveryResult) {
	m.tel.RecordHistogram(ctx, "kvs.engine.recovery.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRecover),
		attribute.Bool("snapshot", result.SnapshotUsed),
	)

	m.tel.RecordCounter(ctx, "kvs.engine.recovery.records", int64(result.RecordsReplayed),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
	)

	if result.TornTails > 0 {
		m.tel.RecordCounter(ctx, "kvs.engine.recovery.torn_tails", int64(result.TornTails),
			attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		)
	}
}

// Close releases any resources held by the metrics implementation.
func (m *engineMetrics) Close() error {
	// No resources to clean up for this implementation
	return nil
}

// noopEngineMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopEngineMetrics struct{}

func (n *noopEngineMetrics) RecordGet(ctx context.Context, duration time.Duration, found bool) {}
func (n *noopEngineMetrics) RecordSet(ctx context.Context, duration time.Duration, bytes int64) {}
func (n *noopEngineMetrics) RecordRemove(ctx context.Context, duration time.Duration, found bool) {
}
func (n *noopEngineMetrics) RecordError(ctx context.Context, operation string, err error) {}
func (n *noopEngineMetrics) RecordRoll(ctx context.Context, segmentID uint64)           {}
func (n *noopEngineMetrics) RecordRecovery(ctx context.Context, duration time.Duration, result stats.RecoveryResult) {
}
func (n *noopEngineMetrics) Close() error { return nil }

// getStatusFromFound converts found boolean to status string.
func getStatusFromFound(found bool) string {
	if found {
		return telemetry.StatusSuccess
	}
	return telemetry.StatusNotFound
}
