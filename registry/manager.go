package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-labs/toolbridge/builtin"
	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/mcp"
)

const defaultResultCacheTTL = 2 * time.Second

// Error codes surfaced on routing failures. Routing never contacts a
// provider process for a tool nobody publishes.
const (
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeProviderNotReady = "PROVIDER_NOT_READY"
	CodeProviderStopped  = "PROVIDER_STOPPED"
	CodeTimeout          = "TIMEOUT"
	CodeRPCFailure       = "RPC_FAILURE"
	CodeQueueCancelled   = "QUEUE_CANCELLED"
)

// ErrServerNotFound is returned by lifecycle operations addressing an
// unknown server id.
var ErrServerNotFound = errors.New("registry: server not found")

// Config controls a Manager.
type Config struct {
	// SandboxRoot is the directory the builtin filesystem tools are
	// confined to. Required.
	SandboxRoot string
	// MaxConcurrent bounds simultaneously executing tool calls across
	// all origins. Zero or less means unlimited.
	MaxConcurrent int
	// PinnedTools are moved to the front of the merged catalog, in the
	// order given, so they survive downstream truncation.
	PinnedTools []string
	// RequestTimeout is the per-request deadline applied to provider
	// calls. Zero uses the transport default.
	RequestTimeout time.Duration
	// ResultCacheTTL bounds how long read-only builtin results may be
	// served from cache. Zero uses a small default; negative disables.
	ResultCacheTTL time.Duration
	// SearchDirs overrides the configuration discovery directories.
	SearchDirs []string
	Logger     *slog.Logger
	// OnEvent receives provider lifecycle events. Events for one
	// provider arrive in order.
	OnEvent mcp.EventHandler
}

// ServerInfo is a point-in-time snapshot of one registered server.
type ServerInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    mcp.Status `json:"status"`
	ToolCount int        `json:"tool_count"`
	Command   string     `json:"command"`
}

type serverEntry struct {
	id       string
	name     string
	provider *mcp.Provider
	fromFile bool
}

// Manager owns the builtin executor and every registered provider
// process, and routes tool calls to whichever origin publishes the tool.
type Manager struct {
	logger     *slog.Logger
	executor   *builtin.Executor
	gate       *gate
	cache      *resultCache
	pinned     []string
	timeout    time.Duration
	onEvent    mcp.EventHandler
	searchDirs []string

	mu         sync.Mutex
	servers    map[string]*serverEntry
	order      []string
	configPath string
}

// NewManager builds a manager with only the builtin tools registered.
// Provider servers arrive via AddServer or LoadConfiguration.
func NewManager(cfg Config) (*Manager, error) {
	executor, err := builtin.NewExecutor(cfg.SandboxRoot, builtin.WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.ResultCacheTTL
	if ttl == 0 {
		ttl = defaultResultCacheTTL
	}
	dirs := cfg.SearchDirs
	if len(dirs) == 0 {
		dirs = DefaultSearchDirs()
	}
	return &Manager{
		logger:     logger,
		executor:   executor,
		gate:       newGate(cfg.MaxConcurrent),
		cache:      newResultCache(ttl),
		pinned:     append([]string(nil), cfg.PinnedTools...),
		timeout:    cfg.RequestTimeout,
		onEvent:    cfg.OnEvent,
		searchDirs: dirs,
		servers:    make(map[string]*serverEntry),
	}, nil
}

// Builtin exposes the sandboxed filesystem executor.
func (m *Manager) Builtin() *builtin.Executor { return m.executor }

// AddServer registers a provider process under a fresh id. When
// autoStart is set the process is spawned and handshaken before
// returning; a start failure leaves the server registered so it can be
// retried or removed.
func (m *Manager) AddServer(ctx context.Context, name string, spec mcp.LaunchSpec, autoStart bool) (string, error) {
	id := uuid.NewString()

	opts := []mcp.ProviderOption{mcp.WithLogger(m.logger)}
	if m.timeout > 0 {
		opts = append(opts, mcp.WithRequestTimeout(m.timeout))
	}
	if m.onEvent != nil {
		opts = append(opts, mcp.WithEventHandler(m.onEvent))
	}
	provider := mcp.NewProvider(id, spec, opts...)

	m.mu.Lock()
	m.servers[id] = &serverEntry{id: id, name: name, provider: provider}
	m.order = append(m.order, id)
	m.mu.Unlock()

	if !autoStart {
		return id, nil
	}
	if err := provider.Start(ctx); err != nil {
		m.logger.Warn("server start failed", "server", name, "id", id, "error", err)
		return id, err
	}
	return id, nil
}

// StartServer spawns a registered server that is currently stopped.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	return entry.provider.Start(ctx)
}

// StopServer terminates a running server but keeps it registered.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	return entry.provider.Stop(ctx)
}

// RemoveServer stops a server and drops its registration and tools.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	entry, ok := m.servers[id]
	if ok {
		delete(m.servers, id)
		for i, other := range m.order {
			if other == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return entry.provider.Stop(ctx)
}

// Servers lists registered servers in registration order.
func (m *Manager) Servers() []ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ServerInfo, 0, len(m.order))
	for _, id := range m.order {
		entry := m.servers[id]
		infos = append(infos, ServerInfo{
			ID:        entry.id,
			Name:      entry.name,
			Status:    entry.provider.Status(),
			ToolCount: len(entry.provider.Tools()),
			Command:   entry.provider.Spec().Command,
		})
	}
	return infos
}

// AllTools merges the builtin descriptors with every ready provider's
// catalog. Builtins come first and win name collisions; among providers
// the earliest registration wins. Pinned tools are moved to the front so
// downstream truncation keeps them.
func (m *Manager) AllTools() []core.ToolDescriptor {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.servers[id])
	}
	m.mu.Unlock()

	seen := make(map[string]bool)
	merged := make([]core.ToolDescriptor, 0, 8)
	for _, tool := range m.executor.Tools() {
		seen[tool.Name] = true
		merged = append(merged, tool)
	}
	for _, entry := range entries {
		if entry.provider.Status() != mcp.StatusReady {
			continue
		}
		for _, tool := range entry.provider.Tools() {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			merged = append(merged, tool)
		}
	}
	return m.reorderPinned(merged)
}

func (m *Manager) reorderPinned(tools []core.ToolDescriptor) []core.ToolDescriptor {
	if len(m.pinned) == 0 {
		return tools
	}
	rank := make(map[string]int, len(m.pinned))
	for i, name := range m.pinned {
		rank[name] = i
	}
	sort.SliceStable(tools, func(i, j int) bool {
		ri, iPinned := rank[tools[i].Name]
		rj, jPinned := rank[tools[j].Name]
		if iPinned != jPinned {
			return iPinned
		}
		return iPinned && ri < rj
	})
	return tools
}

// CallTool routes one call through the concurrency gate to the builtin
// executor or the owning provider, and always returns a result envelope.
func (m *Manager) CallTool(ctx context.Context, call core.ToolCall) core.ToolResult {
	if err := m.gate.acquire(ctx); err != nil {
		return core.FailedResult(call.Tool, "", CodeQueueCancelled,
			fmt.Sprintf("cancelled while queued: %v", err))
	}
	defer m.gate.release()

	if m.executor.Handles(call.Tool) {
		if cached, ok := m.cache.get(call); ok {
			return cached
		}
		result := m.executor.Execute(ctx, call)
		if result.Success && call.Tool == "write_file" {
			m.cache.purge()
		} else {
			m.cache.put(call, result)
		}
		return result
	}
	return m.callProvider(ctx, call)
}

func (m *Manager) callProvider(ctx context.Context, call core.ToolCall) core.ToolResult {
	entry, failure := m.route(call)
	if failure != nil {
		return *failure
	}

	start := time.Now()
	raw, err := entry.provider.CallTool(ctx, call.Tool, call.Arguments)
	if err != nil {
		result := core.FailedResult(call.Tool, entry.id, classifyCallError(err), err.Error())
		result.Duration = time.Since(start)
		return result
	}

	var data any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			data = string(raw)
		}
	}
	return core.ToolResult{
		Success:  true,
		Data:     data,
		Tool:     call.Tool,
		Origin:   entry.id,
		Duration: time.Since(start),
	}
}

// route picks the serving provider without contacting any process. An
// explicit provider id is honored as given; otherwise the earliest ready
// publisher wins. A publisher that exists but is not ready fails fast.
func (m *Manager) route(call core.ToolCall) (*serverEntry, *core.ToolResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if call.ProviderID != "" {
		entry, ok := m.servers[call.ProviderID]
		if !ok {
			result := core.FailedResult(call.Tool, call.ProviderID, CodeProviderNotFound,
				fmt.Sprintf("no server registered with id %q", call.ProviderID))
			return nil, &result
		}
		if status := entry.provider.Status(); status != mcp.StatusReady {
			result := core.FailedResult(call.Tool, entry.id, CodeProviderNotReady,
				fmt.Sprintf("server %q is %s", entry.name, status))
			return nil, &result
		}
		return entry, nil
	}

	var notReady *serverEntry
	for _, id := range m.order {
		entry := m.servers[id]
		if !entry.provider.Publishes(call.Tool) {
			continue
		}
		if entry.provider.Status() == mcp.StatusReady {
			return entry, nil
		}
		if notReady == nil {
			notReady = entry
		}
	}
	if notReady != nil {
		result := core.FailedResult(call.Tool, notReady.id, CodeProviderNotReady,
			fmt.Sprintf("server %q publishes %q but is %s", notReady.name, call.Tool, notReady.provider.Status()))
		return nil, &result
	}
	result := core.FailedResult(call.Tool, "", CodeToolNotFound,
		fmt.Sprintf("no registered tool %q", call.Tool))
	return nil, &result
}

func classifyCallError(err error) string {
	switch {
	case errors.Is(err, mcp.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, mcp.ErrStopped):
		return CodeProviderStopped
	case errors.Is(err, mcp.ErrNotReady):
		return CodeProviderNotReady
	default:
		return CodeRPCFailure
	}
}

// CheckProvider refreshes one ready server's catalog. Used by the health
// sweeper to detect silently wedged processes.
func (m *Manager) CheckProvider(ctx context.Context, id string) error {
	entry, err := m.lookup(id)
	if err != nil {
		return err
	}
	if entry.provider.Status() != mcp.StatusReady {
		return nil
	}
	return entry.provider.RefreshTools(ctx)
}

// Close stops every registered server. The builtin executor needs no
// teardown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.order))
	for _, id := range m.order {
		entries = append(entries, m.servers[id])
	}
	m.mu.Unlock()

	var firstErr error
	for _, entry := range entries {
		if err := entry.provider.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) lookup(id string) (*serverEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return entry, nil
}
