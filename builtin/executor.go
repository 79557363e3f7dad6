// Package builtin provides the sandboxed local filesystem tools. No
// subprocess is involved: every operation is confined to a sandbox root and
// rejected before any I/O when it would escape it.
package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/arbor-labs/toolbridge/core"
)

// Fixed ceilings for file payloads; checks happen before any read or write.
const (
	MaxReadBytes  = 200 << 10
	MaxWriteBytes = 100 << 10
)

// Error codes surfaced on the result envelope.
const (
	CodeSandboxViolation = "SANDBOX_VIOLATION"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeIOFailure        = "IO_FAILURE"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
)

// Executor serves the builtin tools against one sandbox root.
type Executor struct {
	root   string
	logger *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor rooted at root. The root is resolved to an
// absolute path; it does not have to exist yet.
func NewExecutor(root string, opts ...Option) (*Executor, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("builtin: sandbox root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("builtin: resolve sandbox root: %w", err)
	}

	e := &Executor{
		root:   filepath.Clean(abs),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Root returns the absolute sandbox root.
func (e *Executor) Root() string { return e.root }

// Tools returns the descriptors for every builtin tool.
func (e *Executor) Tools() []core.ToolDescriptor {
	return []core.ToolDescriptor{
		{
			Name:        "list_dir",
			Description: "List the entries of a directory inside the sandbox.",
			Origin:      core.OriginBuiltin,
			Params: map[string]core.ParamSpec{
				"path": {Type: "string", Description: "Directory path, relative to the sandbox root.", Default: "."},
			},
		},
		{
			Name:        "read_file",
			Description: "Read a text file inside the sandbox.",
			Origin:      core.OriginBuiltin,
			Params: map[string]core.ParamSpec{
				"path": {Type: "string", Required: true, Description: "File path, relative to the sandbox root."},
			},
		},
		{
			Name:        "write_file",
			Description: "Write a text file inside the sandbox, creating parent directories and overwriting existing content.",
			Origin:      core.OriginBuiltin,
			Params: map[string]core.ParamSpec{
				"path":    {Type: "string", Required: true, Description: "File path, relative to the sandbox root."},
				"content": {Type: "string", Required: true, Description: "Full file content."},
			},
		},
		{
			Name:        "path_info",
			Description: "Probe whether a path exists inside the sandbox and what it is.",
			Origin:      core.OriginBuiltin,
			Params: map[string]core.ParamSpec{
				"path": {Type: "string", Required: true, Description: "Path to probe, relative to the sandbox root."},
			},
		},
	}
}

// Handles reports whether name is a builtin tool.
func (e *Executor) Handles(name string) bool {
	switch name {
	case "list_dir", "read_file", "write_file", "path_info":
		return true
	}
	return false
}

// Execute runs one builtin tool call and always returns a filled envelope;
// failures are reported in the envelope, never as an error value.
func (e *Executor) Execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	start := time.Now()
	result := e.execute(ctx, call)
	result.Tool = call.Tool
	result.Origin = core.OriginBuiltin
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) execute(ctx context.Context, call core.ToolCall) core.ToolResult {
	if err := ctx.Err(); err != nil {
		return core.ToolResult{Error: err.Error(), ErrorCode: CodeIOFailure}
	}

	switch call.Tool {
	case "list_dir":
		return e.listDir(stringArg(call.Arguments, "path", "."))
	case "read_file":
		return e.readFile(stringArg(call.Arguments, "path", ""))
	case "write_file":
		return e.writeFile(
			stringArg(call.Arguments, "path", ""),
			stringArg(call.Arguments, "content", ""),
		)
	case "path_info":
		return e.pathInfo(stringArg(call.Arguments, "path", ""))
	default:
		return core.ToolResult{
			Error:     fmt.Sprintf("unknown builtin tool %q", call.Tool),
			ErrorCode: CodeToolNotFound,
		}
	}
}

func (e *Executor) listDir(path string) core.ToolResult {
	resolved, err := e.resolve(path)
	if err != nil {
		return sandboxFailure(err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return core.ToolResult{Error: fmt.Sprintf("list %s: %v", path, err), ErrorCode: CodeIOFailure}
	}

	listing := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		kind := "file"
		if entry.IsDir() {
			kind = "dir"
		}
		listing = append(listing, map[string]any{"name": entry.Name(), "type": kind})
	}
	sort.Slice(listing, func(i, j int) bool {
		return listing[i]["name"].(string) < listing[j]["name"].(string)
	})

	return core.ToolResult{
		Success: true,
		Data:    map[string]any{"path": path, "entries": listing},
	}
}

func (e *Executor) readFile(path string) core.ToolResult {
	if path == "" {
		return core.ToolResult{Error: "read_file: path is required", ErrorCode: CodeInvalidArgument}
	}
	resolved, err := e.resolve(path)
	if err != nil {
		return sandboxFailure(err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return core.ToolResult{Error: fmt.Sprintf("read %s: %v", path, err), ErrorCode: CodeIOFailure}
	}
	if info.Size() > MaxReadBytes {
		return core.ToolResult{
			Error:     fmt.Sprintf("read %s: file is %d bytes, limit is %d", path, info.Size(), MaxReadBytes),
			ErrorCode: CodeLimitExceeded,
		}
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return core.ToolResult{Error: fmt.Sprintf("read %s: %v", path, err), ErrorCode: CodeIOFailure}
	}

	return core.ToolResult{
		Success: true,
		Data: map[string]any{
			"path":    path,
			"content": string(content),
			"size":    len(content),
		},
	}
}

func (e *Executor) writeFile(path, content string) core.ToolResult {
	if path == "" {
		return core.ToolResult{Error: "write_file: path is required", ErrorCode: CodeInvalidArgument}
	}
	if len(content) > MaxWriteBytes {
		return core.ToolResult{
			Error:     fmt.Sprintf("write %s: content is %d bytes, limit is %d", path, len(content), MaxWriteBytes),
			ErrorCode: CodeLimitExceeded,
		}
	}
	resolved, err := e.resolve(path)
	if err != nil {
		return sandboxFailure(err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return core.ToolResult{Error: fmt.Sprintf("write %s: %v", path, err), ErrorCode: CodeIOFailure}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return core.ToolResult{Error: fmt.Sprintf("write %s: %v", path, err), ErrorCode: CodeIOFailure}
	}

	return core.ToolResult{
		Success: true,
		Data:    map[string]any{"path": path, "bytes_written": len(content)},
	}
}

func (e *Executor) pathInfo(path string) core.ToolResult {
	if path == "" {
		return core.ToolResult{Error: "path_info: path is required", ErrorCode: CodeInvalidArgument}
	}
	resolved, err := e.resolve(path)
	if err != nil {
		return sandboxFailure(err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		// Nonexistence is an answer, not an error.
		return core.ToolResult{
			Success: true,
			Data:    map[string]any{"path": path, "exists": false},
		}
	}

	kind := "file"
	if info.IsDir() {
		kind = "dir"
	}
	return core.ToolResult{
		Success: true,
		Data:    map[string]any{"path": path, "exists": true, "type": kind},
	}
}

// resolve maps a caller path into the sandbox. Relative paths may not carry
// parent-directory segments; absolute paths must already sit under the root;
// everything else is joined to the root and the normalized result must still
// be prefixed by it (case-insensitive). Violations fail before any I/O.
func (e *Executor) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		cleaned := filepath.Clean(path)
		if !e.withinRoot(cleaned) {
			return "", fmt.Errorf("path %q is outside the sandbox", path)
		}
		return cleaned, nil
	}

	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return "", fmt.Errorf("path %q contains a parent-directory segment", path)
		}
	}

	joined := filepath.Clean(filepath.Join(e.root, path))
	if !e.withinRoot(joined) {
		return "", fmt.Errorf("path %q is outside the sandbox", path)
	}
	return joined, nil
}

func (e *Executor) withinRoot(candidate string) bool {
	root := strings.ToLower(e.root)
	lowered := strings.ToLower(candidate)
	if lowered == root {
		return true
	}
	return strings.HasPrefix(lowered, root+string(filepath.Separator))
}

func sandboxFailure(err error) core.ToolResult {
	return core.ToolResult{
		Error:     "path outside sandbox: " + err.Error(),
		ErrorCode: CodeSandboxViolation,
	}
}

func stringArg(args map[string]any, key, fallback string) string {
	if args == nil {
		return fallback
	}
	if value, ok := args[key].(string); ok && value != "" {
		return value
	}
	return fallback
}
