// ABOUTME: Helpers for tests that need telemetry: a disabled instance or an in-memory SDK provider
// ABOUTME: The in-memory provider exposes its metric reader and span recorder for assertions

package telemetry

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewInMemory returns an SDK-backed Provider with no exporters whose metrics
// can be collected from reader and whose ended spans land in recorder.
func NewInMemory() (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder, error) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = nil

	reader := sdkmetric.NewManualReader()
	recorder := tracetest.NewSpanRecorder()

	p, err := NewProvider(cfg, WithMetricReader(reader), WithSpanProcessor(recorder))
	if err != nil {
		return nil, nil, nil, err
	}
	return p, reader, recorder, nil
}
