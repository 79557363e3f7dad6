// Package orchestrate runs one model turn: it assembles the payload,
// dispatches it to a model backend, classifies the response, and resolves
// anomalies (hallucinated completions, embedded JSON, empty replies) with
// a bounded retry ladder. Nothing persists past a turn except learned
// model capabilities.
package orchestrate

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/relevance"
)

// Stage labels one attempt in the per-turn ladder.
type Stage string

const (
	StageInitial        Stage = "initial"
	StageRetryStrict    Stage = "retry_strict"
	StageRetryEmpty     Stage = "retry_empty"
	StageRetryHeuristic Stage = "retry_heuristic"
	StageNoTools        Stage = "retry_no_tools"
)

// maxExtraModelCalls bounds retries per turn on top of the initial call.
const maxExtraModelCalls = 3

const (
	strictInstruction = "You must use the provided tools by emitting structured tool calls. " +
		"Do not describe or narrate actions as if they were performed. " +
		"If the request requires an action, call the appropriate tool now."
	emptyInstruction = "Your previous response was empty. The user asked for an action; " +
		"either call one of the provided tools or explain what is missing."
	heuristicInstruction = "The user's request likely requires one of the provided tools. " +
		"Call the appropriate tool, or answer directly only if no tool applies."

	emptyGuidance = "I could not produce a response for that request. If you want a file " +
		"read, written, or listed, please restate exactly what you'd like done."
)

// TurnRequest is one user message plus the context it runs in.
type TurnRequest struct {
	Model    string
	System   string
	History  []core.ModelMessage
	UserText string
	// Catalog is the full merged tool catalog; the relevance engine
	// bounds what is actually offered.
	Catalog  []core.ToolDescriptor
	MaxTools int
}

// TurnResult is the terminal outcome of one turn.
type TurnResult struct {
	NeedsToolExecution   bool            `json:"needsToolExecution"`
	ToolCalls            []core.ToolCall `json:"toolCalls,omitempty"`
	Content              string          `json:"content"`
	SimulationDetected   bool            `json:"simulationDetected,omitempty"`
	SimulationIndicators []string        `json:"simulationIndicators,omitempty"`
	// Recovered marks calls parsed out of response text rather than
	// arriving as structured calls.
	Recovered bool `json:"recovered,omitempty"`
	// Synthetic marks a call inferred by keyword heuristics after the
	// model kept narrating instead of calling.
	Synthetic  bool  `json:"synthetic,omitempty"`
	ModelCalls int   `json:"modelCalls"`
	Stage      Stage `json:"stage"`
}

// TurnObserver receives per-turn telemetry.
type TurnObserver interface {
	ModelCall(ctx context.Context, model string, stage Stage)
	TurnCompleted(ctx context.Context, model string, result TurnResult)
}

// Config assembles an Orchestrator.
type Config struct {
	Backend      core.ModelBackend
	Engine       *relevance.Engine
	Capabilities *CapabilityCache
	Observer     TurnObserver
	Logger       *slog.Logger
	// MaxTools caps how many tool schemas each request carries. Zero
	// uses a default of 12.
	MaxTools int
}

const defaultMaxTools = 12

// Orchestrator drives the per-turn state machine. It is stateless across
// turns apart from the capability cache.
type Orchestrator struct {
	backend  core.ModelBackend
	engine   *relevance.Engine
	caps     *CapabilityCache
	observer TurnObserver
	logger   *slog.Logger
	maxTools int
}

// NewOrchestrator validates cfg and builds an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, errors.New("orchestrate: backend is required")
	}
	engine := cfg.Engine
	if engine == nil {
		engine = relevance.NewEngine(relevance.Config{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = NewCapabilityCache(context.Background(), nil, logger)
	}
	maxTools := cfg.MaxTools
	if maxTools <= 0 {
		maxTools = defaultMaxTools
	}
	return &Orchestrator{
		backend:  cfg.Backend,
		engine:   engine,
		caps:     caps,
		observer: cfg.Observer,
		logger:   logger,
		maxTools: maxTools,
	}, nil
}

// turnFlags gate each retry path to once per turn.
type turnFlags struct {
	strictDone    bool
	emptyDone     bool
	heuristicDone bool
	noToolsDone   bool
}

// RunTurn executes one turn to a terminal result. The only side effects
// are the model-backend calls; retries are a bounded loop over enumerated
// stages, never recursion.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	maxTools := req.MaxTools
	if maxTools <= 0 {
		maxTools = o.maxTools
	}
	selection := o.engine.Select(req.Catalog, req.UserText, maxTools)

	offered := selection.Tools
	if !o.caps.ToolCapable(req.Model) {
		offered = nil
	}
	offeredNames := make(map[string]bool, len(offered))
	for _, tool := range offered {
		offeredNames[tool.Name] = true
	}

	messages := make([]core.ModelMessage, 0, len(req.History)+1)
	messages = append(messages, req.History...)
	messages = append(messages, core.ModelMessage{Role: "user", Content: req.UserText})

	triggered := o.engine.HasTriggerKeyword(req.UserText)

	var (
		flags       turnFlags
		extraCalls  int
		calls       int
		instruction string
		stage       = StageInitial
		withTools   = len(offered) > 0
	)

	for {
		system := req.System
		if instruction != "" {
			if system != "" {
				system += "\n\n"
			}
			system += instruction
		}
		modelReq := core.ModelRequest{
			Model:    req.Model,
			System:   system,
			Messages: messages,
		}
		if withTools {
			modelReq.Tools = offered
		}

		if o.observer != nil {
			o.observer.ModelCall(ctx, req.Model, stage)
		}
		response, err := o.backend.Generate(ctx, modelReq)
		calls++
		if err != nil {
			// A backend that rejects tool schemas outright is recorded as
			// not tool-capable and the turn retried bare, once.
			if withTools && !flags.noToolsDone && extraCalls < maxExtraModelCalls && mentionsToolSupport(err) {
				o.logger.Warn("backend rejected tool schemas; retrying without tools",
					"model", req.Model, "error", err)
				o.caps.Record(ctx, req.Model, false)
				flags.noToolsDone = true
				withTools = false
				extraCalls++
				stage = StageNoTools
				continue
			}
			return TurnResult{ModelCalls: calls, Stage: stage}, err
		}

		result, retry := o.classify(req, response, offeredNames, triggered, &flags, extraCalls)
		if retry != "" {
			extraCalls++
			stage = retry
			instruction = instructionFor(retry)
			continue
		}
		result.ModelCalls = calls
		result.Stage = stage
		if o.observer != nil {
			o.observer.TurnCompleted(ctx, req.Model, result)
		}
		return result, nil
	}
}

// classify maps one model response to a terminal result, or names the
// retry stage to enter next. Priority order: structured calls, embedded
// recovery, hallucination handling, empty handling, heuristic retry.
func (o *Orchestrator) classify(req TurnRequest, response core.ModelResult, offeredNames map[string]bool, triggered bool, flags *turnFlags, extraCalls int) (TurnResult, Stage) {
	if len(response.ToolCalls) > 0 {
		return TurnResult{
			NeedsToolExecution: true,
			ToolCalls:          response.ToolCalls,
			Content:            response.Content,
		}, ""
	}

	if calls, ok := recoverEmbeddedCalls(response.Content, offeredNames); ok {
		return TurnResult{
			NeedsToolExecution: true,
			ToolCalls:          calls,
			Content:            response.Content,
			Recovered:          true,
		}, ""
	}

	if indicators := hallucinationIndicators(response.Content); len(indicators) > 0 {
		if !flags.strictDone && extraCalls < maxExtraModelCalls {
			flags.strictDone = true
			return TurnResult{}, StageRetryStrict
		}
		offered := offeredDescriptors(req, offeredNames)
		if call, ok := o.syntheticCall(req.UserText, offered); ok {
			o.logger.Info("synthesized tool call after repeated simulated completions",
				"tool", call.Tool)
			return TurnResult{
				NeedsToolExecution:   true,
				ToolCalls:            []core.ToolCall{call},
				Content:              response.Content,
				Synthetic:            true,
				SimulationDetected:   true,
				SimulationIndicators: indicators,
			}, ""
		}
		return TurnResult{
			Content:              response.Content,
			SimulationDetected:   true,
			SimulationIndicators: indicators,
		}, ""
	}

	if strings.TrimSpace(response.Content) == "" {
		if triggered {
			if !flags.emptyDone && extraCalls < maxExtraModelCalls {
				flags.emptyDone = true
				return TurnResult{}, StageRetryEmpty
			}
			return TurnResult{Content: emptyGuidance}, ""
		}
		return TurnResult{Content: response.Content}, ""
	}

	if triggered && !flags.heuristicDone && extraCalls < maxExtraModelCalls {
		flags.heuristicDone = true
		return TurnResult{}, StageRetryHeuristic
	}
	return TurnResult{Content: response.Content}, ""
}

func instructionFor(stage Stage) string {
	switch stage {
	case StageRetryStrict:
		return strictInstruction
	case StageRetryEmpty:
		return emptyInstruction
	case StageRetryHeuristic:
		return heuristicInstruction
	default:
		return ""
	}
}

func offeredDescriptors(req TurnRequest, offeredNames map[string]bool) []core.ToolDescriptor {
	offered := make([]core.ToolDescriptor, 0, len(offeredNames))
	for _, tool := range req.Catalog {
		if offeredNames[tool.Name] {
			offered = append(offered, tool)
		}
	}
	return offered
}

func mentionsToolSupport(err error) bool {
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "tool") &&
		(strings.Contains(text, "support") || strings.Contains(text, "unsupported") ||
			strings.Contains(text, "not allowed") || strings.Contains(text, "invalid"))
}
