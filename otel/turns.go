package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbor-labs/toolbridge/orchestrate"
)

// TurnObserver records orchestrator turn telemetry: one counter per model
// call by stage, retry and simulation counters, and a span per completed
// turn.
type TurnObserver struct {
	tracer trace.Tracer

	modelCalls  metric.Int64Counter
	retries     metric.Int64Counter
	simulations metric.Int64Counter
	callsBudget metric.Int64Histogram
}

// NewTurnObserver creates a turn observer bound to the provided
// meter/tracer.
func NewTurnObserver(meter metric.Meter, tracer trace.Tracer) (*TurnObserver, error) {
	modelCalls, err := meter.Int64Counter(
		"toolbridge.model.calls",
		metric.WithDescription("Number of model backend calls"),
	)
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter(
		"toolbridge.turn.retries",
		metric.WithDescription("Number of classifier-driven model retries"),
	)
	if err != nil {
		return nil, err
	}
	simulations, err := meter.Int64Counter(
		"toolbridge.turn.simulations",
		metric.WithDescription("Number of turns flagged as simulated completions"),
	)
	if err != nil {
		return nil, err
	}
	callsBudget, err := meter.Int64Histogram(
		"toolbridge.turn.model_calls",
		metric.WithDescription("Model calls consumed per turn"),
	)
	if err != nil {
		return nil, err
	}

	return &TurnObserver{
		tracer:      tracer,
		modelCalls:  modelCalls,
		retries:     retries,
		simulations: simulations,
		callsBudget: callsBudget,
	}, nil
}

// ModelCall records one model dispatch.
func (o *TurnObserver) ModelCall(ctx context.Context, model string, stage orchestrate.Stage) {
	if o == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("stage", string(stage)),
	)
	o.modelCalls.Add(ctx, 1, attrs)
	if stage != orchestrate.StageInitial {
		o.retries.Add(ctx, 1, attrs)
	}
}

// TurnCompleted records the terminal outcome of one turn.
func (o *TurnObserver) TurnCompleted(ctx context.Context, model string, result orchestrate.TurnResult) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
		attribute.String("stage", string(result.Stage)),
		attribute.Bool("needs_execution", result.NeedsToolExecution),
		attribute.Bool("recovered", result.Recovered),
		attribute.Bool("synthetic", result.Synthetic),
	}
	o.callsBudget.Record(ctx, int64(result.ModelCalls), metric.WithAttributes(attrs...))
	if result.SimulationDetected {
		o.simulations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "orchestrate.turn", trace.WithAttributes(attrs...))
	if result.SimulationDetected && !result.NeedsToolExecution {
		span.SetStatus(codes.Error, "simulated completion")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ orchestrate.TurnObserver = (*TurnObserver)(nil)
