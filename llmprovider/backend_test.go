package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	iriscore "github.com/petal-labs/iris/core"
	iristools "github.com/petal-labs/iris/tools"

	"github.com/arbor-labs/toolbridge/core"
)

// mockProvider implements iriscore.Provider for testing.
type mockProvider struct {
	id           string
	chatResponse *iriscore.ChatResponse
	chatError    error
	capturedReq  *iriscore.ChatRequest
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Chat(_ context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error) {
	m.capturedReq = req
	if m.chatError != nil {
		return nil, m.chatError
	}
	return m.chatResponse, nil
}

func (m *mockProvider) StreamChat(context.Context, *iriscore.ChatRequest) (*iriscore.ChatStream, error) {
	return nil, nil
}

func (m *mockProvider) Models() []iriscore.ModelInfo {
	return []iriscore.ModelInfo{{ID: "mock-model"}, {ID: "mock-model-mini"}}
}

func (m *mockProvider) Supports(f iriscore.Feature) bool {
	return f == iriscore.FeatureChat
}

func TestGenerateSimplePrompt(t *testing.T) {
	mock := &mockProvider{
		id: "test-provider",
		chatResponse: &iriscore.ChatResponse{
			ID:     "resp-1",
			Model:  "mock-model",
			Output: "Hello back",
		},
	}
	backend := NewBackend(mock)

	result, err := backend.Generate(context.Background(), core.ModelRequest{
		Model:  "mock-model",
		System: "You are helpful",
		Messages: []core.ModelMessage{
			{Role: "user", Content: "Say hello"},
		},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if result.Content != "Hello back" {
		t.Fatalf("Content = %q, want %q", result.Content, "Hello back")
	}
	if len(result.ToolCalls) != 0 {
		t.Fatalf("ToolCalls = %v, want none", result.ToolCalls)
	}

	req := mock.capturedReq
	if len(req.Messages) != 2 {
		t.Fatalf("captured %d messages, want system + user", len(req.Messages))
	}
	if req.Messages[0].Role != iriscore.RoleSystem || req.Messages[0].Content != "You are helpful" {
		t.Fatalf("messages[0] = %+v, want system prompt first", req.Messages[0])
	}
}

func TestGenerateConvertsToolCalls(t *testing.T) {
	mock := &mockProvider{
		id: "test-provider",
		chatResponse: &iriscore.ChatResponse{
			Model: "mock-model",
			ToolCalls: []iriscore.ToolCall{{
				ID:        "call-1",
				Name:      "read_file",
				Arguments: json.RawMessage(`{"path":"a.txt"}`),
			}},
		},
	}
	backend := NewBackend(mock)

	result, err := backend.Generate(context.Background(), core.ModelRequest{
		Model:    "mock-model",
		Messages: []core.ModelMessage{{Role: "user", Content: "read a.txt"}},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(result.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(result.ToolCalls))
	}
	call := result.ToolCalls[0]
	if call.Tool != "read_file" {
		t.Fatalf("Tool = %q, want read_file", call.Tool)
	}
	if call.Arguments["path"] != "a.txt" {
		t.Fatalf("Arguments = %v, want path=a.txt", call.Arguments)
	}
}

func TestGenerateAttachesCatalogAsTools(t *testing.T) {
	mock := &mockProvider{
		id:           "test-provider",
		chatResponse: &iriscore.ChatResponse{Model: "mock-model", Output: "ok"},
	}
	backend := NewBackend(mock)

	descriptor := core.ToolDescriptor{
		Name:        "write_file",
		Description: "Write a file.",
		Params: map[string]core.ParamSpec{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
		},
	}
	_, err := backend.Generate(context.Background(), core.ModelRequest{
		Model:    "mock-model",
		Messages: []core.ModelMessage{{Role: "user", Content: "write it"}},
		Tools:    []core.ToolDescriptor{descriptor},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	req := mock.capturedReq
	if len(req.Tools) != 1 {
		t.Fatalf("captured %d tools, want 1", len(req.Tools))
	}
	if req.Tools[0].Name() != "write_file" {
		t.Fatalf("tool name = %q, want write_file", req.Tools[0].Name())
	}
	schemaTool, ok := req.Tools[0].(interface{ Schema() iristools.ToolSchema })
	if !ok {
		t.Fatalf("captured tool %T does not expose Schema()", req.Tools[0])
	}
	var schema map[string]any
	if err := json.Unmarshal(schemaTool.Schema().JSONSchema, &schema); err != nil {
		t.Fatalf("Unmarshal(schema) error = %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("schema type = %v, want object", schema["type"])
	}
}

func TestGeneratePropagatesProviderError(t *testing.T) {
	mock := &mockProvider{id: "test-provider", chatError: errors.New("boom")}
	backend := NewBackend(mock)

	if _, err := backend.Generate(context.Background(), core.ModelRequest{Model: "mock-model"}); err == nil {
		t.Fatal("Generate() with failing provider succeeded, want error")
	}
}

func TestListModels(t *testing.T) {
	backend := NewBackend(&mockProvider{id: "test-provider"})

	models, err := backend.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}
	if len(models) != 2 || models[0] != "mock-model" {
		t.Fatalf("ListModels() = %v, want [mock-model mock-model-mini]", models)
	}
}
