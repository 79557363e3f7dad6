package orchestrate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/arbor-labs/toolbridge/core"
)

// hallucinationPhrases are completion claims a model makes in prose when
// it pretends to have executed an action it never called a tool for. A
// response that matches any of these but carries no structured calls is
// treated as a simulated completion.
var hallucinationPhrases = []string{
	"i've created",
	"i have created",
	"i created",
	"i've saved",
	"i have saved",
	"i saved",
	"i've written",
	"i have written",
	"i wrote",
	"i've searched",
	"i have searched",
	"i searched",
	"i've added",
	"i have added",
	"i've deleted",
	"i have deleted",
	"i've updated",
	"i have updated",
	"has been created",
	"has been saved",
	"has been written",
	"has been deleted",
	"successfully created",
	"successfully saved",
	"successfully wrote",
	"file is now saved",
	"the file now contains",
}

// hallucinationIndicators returns the completion-claim phrases found in
// content, in phrase-table order. Empty means no simulation detected.
func hallucinationIndicators(content string) []string {
	lowered := strings.ToLower(content)
	var matched []string
	for _, phrase := range hallucinationPhrases {
		if strings.Contains(lowered, phrase) {
			matched = append(matched, phrase)
		}
	}
	return matched
}

// recoverEmbeddedCalls extracts a JSON tool-call array a model emitted as
// text instead of structured calls. It accepts a fenced ```json block or
// a bare array, and only recovers calls whose every name is in the
// offered set; a partially-unknown array is rejected wholesale rather
// than half-executed.
func recoverEmbeddedCalls(content string, offered map[string]bool) ([]core.ToolCall, bool) {
	for _, candidate := range embeddedArrayCandidates(content) {
		parsed := gjson.Parse(candidate)
		if !parsed.IsArray() {
			continue
		}
		items := parsed.Array()
		if len(items) == 0 {
			continue
		}

		calls := make([]core.ToolCall, 0, len(items))
		valid := true
		for _, item := range items {
			name := item.Get("name").String()
			if name == "" {
				name = item.Get("tool").String()
			}
			if name == "" || !offered[name] {
				valid = false
				break
			}
			args := make(map[string]any)
			if rawArgs := item.Get("arguments"); rawArgs.Exists() {
				if err := json.Unmarshal([]byte(rawArgs.Raw), &args); err != nil {
					valid = false
					break
				}
			}
			calls = append(calls, core.ToolCall{Tool: name, Arguments: args})
		}
		if valid {
			return calls, true
		}
	}
	return nil, false
}

// embeddedArrayCandidates yields the substrings of content worth parsing
// as a tool-call array: fenced code blocks first, then the widest bare
// bracket span.
func embeddedArrayCandidates(content string) []string {
	var candidates []string

	rest := content
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		// Skip a language tag such as "json".
		if newline := strings.IndexByte(rest, '\n'); newline >= 0 && newline < 16 {
			rest = rest[newline+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		block := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(block, "[") {
			candidates = append(candidates, block)
		}
		rest = rest[end+3:]
	}

	first := strings.IndexByte(content, '[')
	last := strings.LastIndexByte(content, ']')
	if first >= 0 && last > first {
		candidates = append(candidates, content[first:last+1])
	}
	return candidates
}

// syntheticCall picks the offered tool best matching the user text and
// builds a call with default or zero-valued arguments. It is the last
// resort after a strict retry still produced a simulated completion.
func (o *Orchestrator) syntheticCall(userText string, offered []core.ToolDescriptor) (core.ToolCall, bool) {
	ranked := o.engine.Rank(offered, userText)
	if len(ranked) == 0 || ranked[0].Score <= 0 {
		return core.ToolCall{}, false
	}
	tool := ranked[0].Tool

	args := make(map[string]any)
	for name, param := range tool.Params {
		if !param.Required {
			continue
		}
		if param.Default != nil {
			args[name] = param.Default
			continue
		}
		args[name] = zeroValueFor(param.Type)
	}
	return core.ToolCall{Tool: tool.Name, Arguments: args}, true
}

func zeroValueFor(paramType string) any {
	switch paramType {
	case "number", "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		return map[string]any{}
	default:
		return ""
	}
}
