// Package llmprovider bridges iris LLM providers to the core.ModelBackend
// interface the orchestrator consumes. The orchestrator never talks to a
// vendor SDK directly.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
	iristools "github.com/petal-labs/iris/tools"

	"github.com/arbor-labs/toolbridge/core"
)

// irisBackend wraps an iris Provider to implement core.ModelBackend.
type irisBackend struct {
	provider iriscore.Provider
}

// NewBackend wraps an already-constructed iris provider.
func NewBackend(provider iriscore.Provider) core.ModelBackend {
	return &irisBackend{provider: provider}
}

// ListModels reports the model ids the provider advertises.
func (b *irisBackend) ListModels(_ context.Context) ([]string, error) {
	infos := b.provider.Models()
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = string(info.ID)
	}
	return names, nil
}

// Generate sends one synchronous chat request via the iris provider.
func (b *irisBackend) Generate(ctx context.Context, req core.ModelRequest) (core.ModelResult, error) {
	chatResp, err := b.provider.Chat(ctx, b.toRequest(req))
	if err != nil {
		return core.ModelResult{}, fmt.Errorf("provider chat failed: %w", err)
	}
	return fromResponse(chatResp), nil
}

// toRequest converts a core.ModelRequest to an iris ChatRequest.
func (b *irisBackend) toRequest(req core.ModelRequest) *iriscore.ChatRequest {
	messages := make([]iriscore.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, iriscore.Message{
			Role:    iriscore.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		})
	}

	chatReq := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(req.Model),
		Messages: messages,
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		chatReq.Temperature = &temp
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = make([]iriscore.Tool, len(req.Tools))
		for i, descriptor := range req.Tools {
			chatReq.Tools[i] = descriptorTool{descriptor: descriptor}
		}
	}
	return chatReq
}

// fromResponse converts an iris ChatResponse to the orchestrator's raw
// model result.
func fromResponse(resp *iriscore.ChatResponse) core.ModelResult {
	result := core.ModelResult{Content: resp.Output}
	if len(resp.ToolCalls) > 0 {
		result.ToolCalls = make([]core.ToolCall, len(resp.ToolCalls))
		for i, tc := range resp.ToolCalls {
			args := make(map[string]any)
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &args)
			}
			result.ToolCalls[i] = core.ToolCall{
				Tool:      tc.Name,
				Arguments: args,
			}
		}
	}
	return result
}

// toIrisRole converts a string role to an iris Role constant.
func toIrisRole(role string) iriscore.Role {
	switch role {
	case "system":
		return iriscore.RoleSystem
	case "user":
		return iriscore.RoleUser
	case "assistant":
		return iriscore.RoleAssistant
	case "tool":
		return iriscore.RoleTool
	default:
		return iriscore.RoleUser
	}
}

// descriptorTool exposes a catalog descriptor as an iris tool so the
// provider can advertise it in the chat request.
type descriptorTool struct {
	descriptor core.ToolDescriptor
}

func (t descriptorTool) Name() string        { return t.descriptor.Name }
func (t descriptorTool) Description() string { return t.descriptor.Description }

func (t descriptorTool) Schema() iristools.ToolSchema {
	raw, err := json.Marshal(t.descriptor.InputSchema())
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	return iristools.ToolSchema{JSONSchema: raw}
}

// Compile-time interface checks.
var (
	_ core.ModelBackend = (*irisBackend)(nil)
	_ iriscore.Tool     = descriptorTool{}
)
