package orchestrate

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arbor-labs/toolbridge/core"
)

// stubBackend scripts model responses per call.
type stubBackend struct {
	respond  func(call int, req core.ModelRequest) (core.ModelResult, error)
	captured []core.ModelRequest
}

func (s *stubBackend) ListModels(context.Context) ([]string, error) {
	return []string{"stub-model"}, nil
}

func (s *stubBackend) Generate(_ context.Context, req core.ModelRequest) (core.ModelResult, error) {
	s.captured = append(s.captured, req)
	return s.respond(len(s.captured), req)
}

func testCatalog() []core.ToolDescriptor {
	return []core.ToolDescriptor{
		{
			Name:        "write_file",
			Description: "Write content to a file inside the sandbox.",
			Params: map[string]core.ParamSpec{
				"path":    {Type: "string", Required: true},
				"content": {Type: "string", Required: true},
			},
			Origin: core.OriginBuiltin,
		},
		{
			Name:        "echo",
			Description: "Echo text back.",
			Params: map[string]core.ParamSpec{
				"text": {Type: "string", Required: true},
			},
			Origin: "srv-1",
		},
	}
}

func newTestOrchestrator(t *testing.T, backend core.ModelBackend) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(Config{Backend: backend})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func TestRunTurnStructuredCallsAreTerminal(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{ToolCalls: []core.ToolCall{{
			Tool:      "write_file",
			Arguments: map[string]any{"path": "a.txt", "content": "hi"},
		}}}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "write a file called a.txt",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if !result.NeedsToolExecution {
		t.Fatal("NeedsToolExecution = false, want true")
	}
	if result.ModelCalls != 1 {
		t.Fatalf("ModelCalls = %d, want 1", result.ModelCalls)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Tool != "write_file" {
		t.Fatalf("ToolCalls = %+v, want [write_file]", result.ToolCalls)
	}
}

func TestRunTurnRecoversEmbeddedToolCallArray(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{
			Content: `Here is what I'd run: [{"name":"echo","arguments":{"text":"hi"}}]`,
		}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "run echo with hi",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if !result.NeedsToolExecution || !result.Recovered {
		t.Fatalf("result = %+v, want recovered execution", result)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Tool != "echo" {
		t.Fatalf("ToolCalls = %+v, want [echo]", result.ToolCalls)
	}
	if result.ToolCalls[0].Arguments["text"] != "hi" {
		t.Fatalf("Arguments = %v, want text=hi", result.ToolCalls[0].Arguments)
	}
}

func TestRunTurnEmbeddedUnknownNamesAreNotRecovered(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{
			Content: `[{"name":"rm_rf","arguments":{}}]`,
		}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "hello there",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.NeedsToolExecution {
		t.Fatalf("unknown embedded tool was recovered: %+v", result)
	}
}

func TestRunTurnAlwaysHallucinatingSynthesizesCall(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: "Done! I've created the file for you."}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "create a file with my notes",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.ModelCalls > 3 {
		t.Fatalf("ModelCalls = %d, want at most 3", result.ModelCalls)
	}
	if !result.SimulationDetected {
		t.Fatal("SimulationDetected = false, want true")
	}
	if !result.NeedsToolExecution || !result.Synthetic {
		t.Fatalf("result = %+v, want synthetic execution", result)
	}
	if result.ToolCalls[0].Tool != "write_file" {
		t.Fatalf("synthetic tool = %q, want write_file", result.ToolCalls[0].Tool)
	}
	// Required params are present even if placeholder-valued.
	if _, ok := result.ToolCalls[0].Arguments["path"]; !ok {
		t.Fatalf("synthetic args = %v, want path present", result.ToolCalls[0].Arguments)
	}

	// The strict retry carried a corrective instruction.
	if len(backend.captured) != 2 {
		t.Fatalf("backend saw %d calls, want 2", len(backend.captured))
	}
	if !strings.Contains(backend.captured[1].System, "structured tool calls") {
		t.Fatalf("retry system = %q, want corrective instruction", backend.captured[1].System)
	}
}

func TestRunTurnHallucinationWithoutMatchFlagsSimulation(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: "I've searched the web and found nothing."}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "what is the weather", // matches no offered tool
		Catalog:  nil,
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.NeedsToolExecution {
		t.Fatalf("result = %+v, want final answer", result)
	}
	if !result.SimulationDetected || len(result.SimulationIndicators) == 0 {
		t.Fatalf("result = %+v, want simulation flagged with indicators", result)
	}
	if result.ModelCalls > 3 {
		t.Fatalf("ModelCalls = %d, want at most 3", result.ModelCalls)
	}
}

func TestRunTurnEmptyResponseRetriesThenGuides(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: "   "}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "read the file please",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.ModelCalls != 2 {
		t.Fatalf("ModelCalls = %d, want exactly one empty retry", result.ModelCalls)
	}
	if result.Content != emptyGuidance {
		t.Fatalf("Content = %q, want canned guidance", result.Content)
	}
}

func TestRunTurnEmptyWithoutTriggersPassesThrough(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: ""}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "hello",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.ModelCalls != 1 || result.Content != "" {
		t.Fatalf("result = %+v, want single pass-through call", result)
	}
}

func TestRunTurnHeuristicRetryHappensOnce(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: "Sure, happy to help with that."}, nil
	}}
	o := newTestOrchestrator(t, backend)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "list the directory contents",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.ModelCalls != 2 {
		t.Fatalf("ModelCalls = %d, want one heuristic retry", result.ModelCalls)
	}
	if result.NeedsToolExecution {
		t.Fatalf("result = %+v, want final answer", result)
	}
}

func TestRunTurnSkipsSchemasForIncapableModel(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{Content: "plain answer"}, nil
	}}
	caps := NewCapabilityCache(context.Background(), nil, nil)
	caps.Record(context.Background(), "bare-model", false)
	o, err := NewOrchestrator(Config{Backend: backend, Capabilities: caps})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "bare-model",
		UserText: "hello",
		Catalog:  testCatalog(),
	}); err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if len(backend.captured[0].Tools) != 0 {
		t.Fatalf("Tools attached for incapable model: %v", backend.captured[0].Tools)
	}
}

func TestRunTurnLearnsIncapabilityFromBackendRejection(t *testing.T) {
	backend := &stubBackend{respond: func(call int, req core.ModelRequest) (core.ModelResult, error) {
		if len(req.Tools) > 0 {
			return core.ModelResult{}, errors.New("model does not support tools")
		}
		return core.ModelResult{Content: "answered without tools"}, nil
	}}
	caps := NewCapabilityCache(context.Background(), nil, nil)
	o, err := NewOrchestrator(Config{Backend: backend, Capabilities: caps})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "picky-model",
		UserText: "hello",
		Catalog:  testCatalog(),
	})
	if err != nil {
		t.Fatalf("RunTurn() error = %v", err)
	}
	if result.Content != "answered without tools" {
		t.Fatalf("Content = %q, want bare retry answer", result.Content)
	}
	if caps.ToolCapable("picky-model") {
		t.Fatal("capability cache still reports picky-model as tool-capable")
	}
}

func TestRunTurnPropagatesBackendError(t *testing.T) {
	backend := &stubBackend{respond: func(int, core.ModelRequest) (core.ModelResult, error) {
		return core.ModelResult{}, errors.New("backend down")
	}}
	o := newTestOrchestrator(t, backend)

	if _, err := o.RunTurn(context.Background(), TurnRequest{
		Model:    "stub-model",
		UserText: "hello",
	}); err == nil {
		t.Fatal("RunTurn() with failing backend succeeded, want error")
	}
}
