// Package core provides the shared types for ToolBridge.
//
// This package contains:
//   - Catalog types: ToolDescriptor, ParamSpec
//   - Invocation types: ToolCall, ToolResult
//   - The ModelBackend interface and its request/response shapes
package core

import (
	"context"
	"sort"
	"time"
)

// OriginBuiltin is the origin recorded on tools served by the local
// sandboxed executor. Provider-served tools carry the provider id instead.
const OriginBuiltin = "builtin"

// ParamSpec describes a single tool parameter.
type ParamSpec struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// ToolDescriptor describes one callable tool in the merged catalog.
// Descriptors are replaced wholesale whenever their source rediscovers.
type ToolDescriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Params      map[string]ParamSpec `json:"params,omitempty"`
	Origin      string               `json:"origin"`
}

// InputSchema renders the descriptor's parameters as a JSON-schema object,
// the shape provider processes and model backends exchange.
func (d ToolDescriptor) InputSchema() map[string]any {
	properties := make(map[string]any, len(d.Params))
	required := make([]string, 0)

	names := make([]string, 0, len(d.Params))
	for name := range d.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := d.Params[name]
		prop := map[string]any{"type": spec.Type}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if len(spec.Enum) > 0 {
			enum := make([]any, len(spec.Enum))
			for i, v := range spec.Enum {
				enum[i] = v
			}
			prop["enum"] = enum
		}
		if spec.Default != nil {
			prop["default"] = spec.Default
		}
		properties[name] = prop
		if spec.Required {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// DescriptorFromSchema builds a ToolDescriptor from a wire-level JSON schema
// as returned by a provider's tools/list.
func DescriptorFromSchema(name, description string, schema map[string]any, origin string) ToolDescriptor {
	desc := ToolDescriptor{
		Name:        name,
		Description: description,
		Params:      map[string]ParamSpec{},
		Origin:      origin,
	}
	if schema == nil {
		return desc
	}

	requiredSet := map[string]struct{}{}
	if rawRequired, ok := schema["required"].([]any); ok {
		for _, item := range rawRequired {
			if field, ok := item.(string); ok {
				requiredSet[field] = struct{}{}
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return desc
	}
	for field, rawProp := range properties {
		prop, _ := rawProp.(map[string]any)
		spec := ParamSpec{Type: "string"}
		if t, ok := prop["type"].(string); ok && t != "" {
			spec.Type = t
		}
		if d, ok := prop["description"].(string); ok {
			spec.Description = d
		}
		if def, ok := prop["default"]; ok {
			spec.Default = def
		}
		if rawEnum, ok := prop["enum"].([]any); ok {
			for _, item := range rawEnum {
				if v, ok := item.(string); ok {
					spec.Enum = append(spec.Enum, v)
				}
			}
		}
		if _, ok := requiredSet[field]; ok {
			spec.Required = true
		}
		desc.Params[field] = spec
	}
	return desc
}

// ToolCall is a request to execute one tool.
type ToolCall struct {
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	ProviderID string         `json:"provider_id,omitempty"`
}

// ToolResult is the uniform outcome envelope for every tool execution.
// Failures travel in Error/ErrorCode, never as panics or cross-boundary
// errors from a provider process.
type ToolResult struct {
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Tool      string        `json:"tool"`
	Origin    string        `json:"origin,omitempty"`
	Duration  time.Duration `json:"duration_ms,omitempty"`
	Cached    bool          `json:"cached,omitempty"`
}

// FailedResult builds an error envelope for a tool call.
func FailedResult(tool, origin, code, message string) ToolResult {
	return ToolResult{
		Success:   false,
		Error:     message,
		ErrorCode: code,
		Tool:      tool,
		Origin:    origin,
	}
}

// ModelMessage is one chat message sent to a model backend.
type ModelMessage struct {
	Role    string `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content string `json:"content"`
}

// ModelRequest is the payload the orchestrator assembles per model call.
type ModelRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []ModelMessage   `json:"messages"`
	Tools       []ToolDescriptor `json:"tools,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

// ModelResult is the raw backend output before classification.
type ModelResult struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ModelBackend abstracts the language-model collaborator. Implementations
// adapt concrete providers; the orchestrator never talks to a vendor SDK
// directly.
type ModelBackend interface {
	ListModels(ctx context.Context) ([]string, error)
	Generate(ctx context.Context, req ModelRequest) (ModelResult, error)
}
