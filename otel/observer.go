// Package otel provides OpenTelemetry integration for ToolBridge: tool
// call metrics and spans, provider lifecycle counters, and per-turn
// orchestrator telemetry.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/mcp"
)

// CallObserver records tool invocation results into OpenTelemetry.
type CallObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	latency     metric.Float64Histogram
}

// NewCallObserver creates a call observer bound to the provided
// meter/tracer.
func NewCallObserver(meter metric.Meter, tracer trace.Tracer) (*CallObserver, error) {
	invocations, err := meter.Int64Counter(
		"toolbridge.tool.invocations",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"toolbridge.tool.latency",
		metric.WithDescription("Tool latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &CallObserver{
		tracer:      tracer,
		invocations: invocations,
		latency:     latency,
	}, nil
}

// ObserveCall records one tool result.
func (o *CallObserver) ObserveCall(result core.ToolResult) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", result.Tool),
		attribute.String("origin", result.Origin),
		attribute.Bool("success", result.Success),
		attribute.Bool("cached", result.Cached),
	}
	if result.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", result.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, result.Duration.Seconds(), options)

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "tool.call", trace.WithAttributes(attrs...))
	if !result.Success {
		span.SetStatus(codes.Error, result.ErrorCode)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ProviderEventObserver counts provider lifecycle events. Its Handle
// method plugs into the manager's OnEvent hook.
type ProviderEventObserver struct {
	events metric.Int64Counter
}

// NewProviderEventObserver creates a lifecycle event observer.
func NewProviderEventObserver(meter metric.Meter) (*ProviderEventObserver, error) {
	events, err := meter.Int64Counter(
		"toolbridge.provider.events",
		metric.WithDescription("Number of provider lifecycle events"),
	)
	if err != nil {
		return nil, err
	}
	return &ProviderEventObserver{events: events}, nil
}

// Handle records one lifecycle event.
func (o *ProviderEventObserver) Handle(event mcp.Event) {
	if o == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("provider_id", event.ProviderID),
		attribute.String("kind", string(event.Kind)),
		attribute.Bool("errored", event.Err != nil),
	}
	o.events.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}
