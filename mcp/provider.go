package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/arbor-labs/toolbridge/core"
)

const (
	defaultProtocolVersion = "2025-06-18"
	defaultClientName      = "toolbridge"
	defaultClientVersion   = "dev"
	defaultRequestTimeout  = 30 * time.Second

	// maxFrameSize bounds a single newline-delimited frame from a provider.
	maxFrameSize = 4 << 20
)

var (
	// ErrStopped is the rejection cause for requests pending when the
	// provider process stops or exits.
	ErrStopped = errors.New("mcp: provider stopped")
	// ErrTimeout is the rejection cause for requests whose per-request
	// deadline expired. The transport itself stays alive.
	ErrTimeout = errors.New("mcp: request timed out")
	// ErrNotReady is returned when a tool call reaches a provider that has
	// not completed its handshake.
	ErrNotReady = errors.New("mcp: provider is not ready")
)

// Status is the lifecycle state of a provider process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// LaunchSpec describes how to spawn a provider process. Env entries are
// merged over the parent environment; secrets are injected by the caller.
type LaunchSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"cwd,omitempty"`
}

// EventKind identifies a provider lifecycle notification.
type EventKind string

const (
	EventReady        EventKind = "ready"
	EventToolsUpdated EventKind = "tools_updated"
	EventStopped      EventKind = "stopped"
)

// Event is a lifecycle notification. Events for one provider are delivered
// in order.
type Event struct {
	Kind       EventKind
	ProviderID string
	Err        error
}

// EventHandler receives provider lifecycle events.
type EventHandler func(Event)

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

type pendingRequest struct {
	method string
	ch     chan rpcOutcome
	timer  *time.Timer
}

// Provider owns one tool-provider subprocess: spawning, newline-delimited
// JSON-RPC framing, request correlation with per-request deadlines, and the
// initialize handshake. All mutable bookkeeping is confined behind one
// mutex; stdin writes are serialized separately so a slow write never holds
// up response dispatch.
type Provider struct {
	id             string
	spec           LaunchSpec
	logger         *slog.Logger
	requestTimeout time.Duration
	onEvent        EventHandler

	writeMu sync.Mutex

	mu         sync.Mutex
	status     Status
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	nextID     int64
	pending    map[string]*pendingRequest
	tools      []core.ToolDescriptor
	serverInfo ServerInfo
	terminated bool
	waitCh     chan struct{}
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the provider's logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRequestTimeout overrides the default per-request deadline.
func WithRequestTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.requestTimeout = d
		}
	}
}

// WithEventHandler registers a lifecycle event handler.
func WithEventHandler(handler EventHandler) ProviderOption {
	return func(p *Provider) {
		p.onEvent = handler
	}
}

// NewProvider creates a stopped provider for the given launch spec.
func NewProvider(id string, spec LaunchSpec, opts ...ProviderOption) *Provider {
	p := &Provider{
		id:             id,
		spec:           spec,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
		status:         StatusStopped,
		pending:        map[string]*pendingRequest{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the provider id.
func (p *Provider) ID() string { return p.id }

// Spec returns the launch spec the provider was created with.
func (p *Provider) Spec() LaunchSpec { return p.spec }

// Status returns the current lifecycle state.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Tools returns the descriptors discovered by the last tools/list.
func (p *Provider) Tools() []core.ToolDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tools)
}

// Publishes reports whether the provider's current catalog contains name.
func (p *Provider) Publishes(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tool := range p.tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

// Start spawns the provider process and drives the handshake: initialize,
// the initialized notification, then an automatic tools/list. On success the
// provider is ready and has emitted ready and tools_updated events. A spawn
// failure leaves the provider in the error state; a handshake failure tears
// the process down to stopped, manually retriable.
func (p *Provider) Start(ctx context.Context) error {
	if strings.TrimSpace(p.spec.Command) == "" {
		return errors.New("mcp: provider command is required")
	}

	p.mu.Lock()
	switch p.status {
	case StatusStarting:
		p.mu.Unlock()
		return fmt.Errorf("mcp: provider %s handshake already in flight", p.id)
	case StatusReady:
		p.mu.Unlock()
		return nil
	}

	// #nosec G204 -- command/args come from trusted server configuration.
	cmd := exec.Command(p.spec.Command, slices.Clone(p.spec.Args)...)
	cmd.Env = append(os.Environ(), flattenEnv(p.spec.Env)...)
	cmd.Dir = p.spec.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.status = StatusError
		p.mu.Unlock()
		return fmt.Errorf("mcp: open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.status = StatusError
		p.mu.Unlock()
		return fmt.Errorf("mcp: open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.status = StatusError
		p.mu.Unlock()
		return fmt.Errorf("mcp: open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		p.status = StatusError
		p.mu.Unlock()
		return fmt.Errorf("mcp: spawn %q: %w", p.spec.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.pending = map[string]*pendingRequest{}
	p.terminated = false
	p.status = StatusStarting
	p.waitCh = make(chan struct{})
	waitCh := p.waitCh
	p.mu.Unlock()

	go p.readLoop(stdout)
	go p.drainStderr(stderr)
	go p.waitLoop(cmd, waitCh)

	if err := p.handshake(ctx); err != nil {
		p.shutdown(fmt.Errorf("%w: handshake failed", ErrStopped), StatusStopped, true)
		return fmt.Errorf("mcp: provider %s handshake: %w", p.id, err)
	}
	return nil
}

func (p *Provider) handshake(ctx context.Context) error {
	params := InitializeParams{
		ProtocolVersion: defaultProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo: ClientInfo{
			Name:    defaultClientName,
			Version: defaultClientVersion,
		},
	}

	var initResult InitializeResult
	if err := p.call(ctx, MethodInitialize, params, &initResult); err != nil {
		return err
	}
	if err := p.notify(NotificationInitialized, map[string]any{}); err != nil {
		return err
	}

	p.mu.Lock()
	p.serverInfo = initResult.ServerInfo
	p.status = StatusReady
	p.mu.Unlock()
	p.emit(Event{Kind: EventReady, ProviderID: p.id})

	return p.RefreshTools(ctx)
}

// RefreshTools reissues tools/list and replaces the cached descriptors
// wholesale, emitting a tools_updated event.
func (p *Provider) RefreshTools(ctx context.Context) error {
	var list ToolsListResult
	if err := p.call(ctx, MethodToolsList, map[string]any{}, &list); err != nil {
		return err
	}

	descriptors := make([]core.ToolDescriptor, 0, len(list.Tools))
	for _, tool := range list.Tools {
		descriptors = append(descriptors, core.DescriptorFromSchema(
			tool.Name, tool.Description, tool.InputSchema, p.id,
		))
	}

	p.mu.Lock()
	p.tools = descriptors
	p.mu.Unlock()
	p.emit(Event{Kind: EventToolsUpdated, ProviderID: p.id})
	return nil
}

// CallTool executes tools/call against a ready provider and returns the raw
// result payload.
func (p *Provider) CallTool(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status != StatusReady {
		return nil, fmt.Errorf("%w: provider %s is %s", ErrNotReady, p.id, status)
	}

	params := ToolsCallParams{Name: name, Arguments: arguments}
	var result json.RawMessage
	if err := p.call(ctx, MethodToolsCall, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Stop kills the process and synchronously rejects everything pending with
// ErrStopped. Restart policy is the caller's decision.
func (p *Provider) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil && p.status == StatusStopped {
		p.mu.Unlock()
		return nil
	}
	waitCh := p.waitCh
	p.mu.Unlock()

	p.shutdown(ErrStopped, StatusStopped, true)

	if waitCh != nil {
		select {
		case <-waitCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *Provider) call(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
	}

	p.mu.Lock()
	if p.terminated || p.stdin == nil {
		p.mu.Unlock()
		return &RequestError{Method: method, Err: ErrStopped}
	}
	p.nextID++
	id := fmt.Sprintf("%s-%d", idPrefix(method), p.nextID)
	req := &pendingRequest{
		method: method,
		ch:     make(chan rpcOutcome, 1),
	}
	req.timer = time.AfterFunc(p.requestTimeout, func() {
		p.settle(id, rpcOutcome{err: fmt.Errorf("%w: %s after %s", ErrTimeout, method, p.requestTimeout)})
	})
	p.pending[id] = req
	p.mu.Unlock()

	msg := Message{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}
	if err := p.writeFrame(msg); err != nil {
		p.settle(id, rpcOutcome{err: err})
	}

	select {
	case outcome := <-req.ch:
		if outcome.err != nil {
			return &RequestError{Method: method, Err: outcome.err}
		}
		if out == nil || len(outcome.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(outcome.result, out); err != nil {
			return &RequestError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
		}
		return nil
	case <-ctx.Done():
		p.settle(id, rpcOutcome{err: ctx.Err()})
		return &RequestError{Method: method, Err: ctx.Err()}
	}
}

func (p *Provider) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RequestError{Method: method, Err: fmt.Errorf("encode params: %w", err)}
	}
	return p.writeFrame(Message{JSONRPC: jsonRPCVersion, Method: method, Params: raw})
}

func (p *Provider) writeFrame(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: encode frame: %w", err)
	}
	data = append(data, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	stdin := p.stdin
	terminated := p.terminated
	p.mu.Unlock()
	if terminated || stdin == nil {
		return ErrStopped
	}

	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("mcp: write frame: %w", err)
	}
	return nil
}

// settle consumes a pending request exactly once: the entry is removed under
// the lock before the outcome is delivered, so a response racing a timeout
// resolves to whichever fires first and the other becomes a no-op.
func (p *Provider) settle(id string, outcome rpcOutcome) {
	p.mu.Lock()
	req, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	req.timer.Stop()
	req.ch <- outcome
}

func (p *Provider) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.logger.Warn("dropping malformed frame",
				"provider", p.id, "error", err, "bytes", len(line))
			continue
		}

		switch {
		case msg.IsResponse():
			p.dispatchResponse(msg)
		case msg.IsNotification():
			p.dispatchNotification(msg)
		default:
			p.logger.Debug("ignoring unexpected frame", "provider", p.id, "method", msg.Method)
		}
	}

	// A scan error (an oversized frame, a broken pipe) means no further
	// response can ever arrive. Without a shutdown the provider would keep
	// advertising ready while every call times out against a dead reader.
	if err := scanner.Err(); err != nil {
		p.logger.Warn("read loop failed", "provider", p.id, "error", err)
		p.shutdown(fmt.Errorf("%w: read loop failed: %v", ErrStopped, err), StatusStopped, true)
	}
}

func (p *Provider) dispatchResponse(msg Message) {
	if msg.Error != nil {
		p.settle(msg.ID, rpcOutcome{err: msg.Error})
		return
	}
	p.settle(msg.ID, rpcOutcome{result: msg.Result})
}

func (p *Provider) dispatchNotification(msg Message) {
	if msg.Method != NotificationInitialized {
		p.logger.Debug("ignoring notification", "provider", p.id, "method", msg.Method)
		return
	}

	// A provider re-announcing initialization means its catalog may have
	// changed; refresh off the read loop so dispatch is never blocked.
	p.mu.Lock()
	ready := p.status == StatusReady
	p.mu.Unlock()
	if !ready {
		return
	}
	go func() {
		if err := p.RefreshTools(context.Background()); err != nil {
			p.logger.Warn("tools refresh after initialized notification failed",
				"provider", p.id, "error", err)
		}
	}()
}

func (p *Provider) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		p.logger.Debug("provider stderr", "provider", p.id, "line", scanner.Text())
	}
}

func (p *Provider) waitLoop(cmd *exec.Cmd, waitCh chan struct{}) {
	defer close(waitCh)
	err := cmd.Wait()

	p.mu.Lock()
	terminated := p.terminated
	p.mu.Unlock()
	if terminated {
		return
	}

	if err != nil {
		p.logger.Warn("provider process exited", "provider", p.id, "error", err)
	}
	p.shutdown(fmt.Errorf("%w: process exited", ErrStopped), StatusStopped, false)
}

// shutdown transitions the provider to a terminal state and rejects every
// pending request with cause. Safe to call from any goroutine; only the
// first call acts.
func (p *Provider) shutdown(cause error, status Status, kill bool) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	p.status = status
	stdin := p.stdin
	p.stdin = nil
	cmd := p.cmd
	p.cmd = nil
	orphaned := p.pending
	p.pending = map[string]*pendingRequest{}
	p.tools = nil
	p.mu.Unlock()

	for _, req := range orphaned {
		req.timer.Stop()
		req.ch <- rpcOutcome{err: cause}
	}

	if stdin != nil {
		_ = stdin.Close()
	}
	if kill && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	p.emit(Event{Kind: EventStopped, ProviderID: p.id, Err: cause})
}

func (p *Provider) emit(event Event) {
	if p.onEvent != nil {
		p.onEvent(event)
	}
}

func idPrefix(method string) string {
	if method == MethodInitialize {
		return "init"
	}
	return "req"
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
