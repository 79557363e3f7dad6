package otel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/mcp"
	bridgeotel "github.com/arbor-labs/toolbridge/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting
// metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func TestCallObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-call-observer")
	tracer := noop.NewTracerProvider().Tracer("test-call-observer")

	observer, err := bridgeotel.NewCallObserver(meter, tracer)
	if err != nil {
		t.Fatalf("NewCallObserver() error = %v", err)
	}

	observer.ObserveCall(core.ToolResult{
		Success:  true,
		Tool:     "read_file",
		Origin:   core.OriginBuiltin,
		Duration: 30 * time.Millisecond,
	})
	observer.ObserveCall(core.ToolResult{
		Success:   false,
		Tool:      "echo",
		Origin:    "srv-1",
		ErrorCode: "TIMEOUT",
		Duration:  150 * time.Millisecond,
	})

	rm := collectMetrics(t, reader)

	invocations := findMetric(rm, "toolbridge.tool.invocations")
	if invocations == nil {
		t.Fatal("toolbridge.tool.invocations metric not found")
	}
	sum, ok := invocations.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("toolbridge.tool.invocations type = %T, want Sum[int64]", invocations.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("invocations total = %d, want 2", total)
	}

	latency := findMetric(rm, "toolbridge.tool.latency")
	if latency == nil {
		t.Fatal("toolbridge.tool.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("toolbridge.tool.latency type = %T, want Histogram[float64]", latency.Data)
	}
}

func TestProviderEventObserverCountsEvents(t *testing.T) {
	reader, mp := newTestMeter()
	meter := mp.Meter("test-provider-events")

	observer, err := bridgeotel.NewProviderEventObserver(meter)
	if err != nil {
		t.Fatalf("NewProviderEventObserver() error = %v", err)
	}

	observer.Handle(mcp.Event{Kind: mcp.EventReady, ProviderID: "srv-1"})
	observer.Handle(mcp.Event{Kind: mcp.EventStopped, ProviderID: "srv-1", Err: errors.New("exited")})

	rm := collectMetrics(t, reader)
	events := findMetric(rm, "toolbridge.provider.events")
	if events == nil {
		t.Fatal("toolbridge.provider.events metric not found")
	}
	sum, ok := events.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("toolbridge.provider.events type = %T, want Sum[int64]", events.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("events total = %d, want 2", total)
	}
}
