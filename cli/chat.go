package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/llmprovider"
	"github.com/arbor-labs/toolbridge/orchestrate"
	bridgeotel "github.com/arbor-labs/toolbridge/otel"
)

// NewChatCmd creates the "chat" command: one orchestrated turn against a
// model backend, executing whatever tool calls come back.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Run one orchestrated turn and execute resulting tool calls",
		Args:  cobra.ExactArgs(1),
		RunE:  runChat,
	}
	cmd.Flags().String("provider", "ollama", "Model provider: anthropic | openai | ollama")
	cmd.Flags().String("model", "", "Model id (required)")
	cmd.Flags().String("api-key", "", "Provider API key (or TOOLBRIDGE_API_KEY)")
	cmd.Flags().String("system", "", "System prompt")
	cmd.Flags().Int("max-tools", 0, "Cap on tool schemas offered per request")
	cmd.Flags().Bool("no-execute", false, "Classify only; do not execute tool calls")
	cmd.Flags().String("capability-db", "", "SQLite path for the model capability cache")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	model, _ := cmd.Flags().GetString("model")
	if strings.TrimSpace(model) == "" {
		return exitError(exitValidation, "--model is required")
	}
	providerName, _ := cmd.Flags().GetString("provider")
	apiKey, _ := cmd.Flags().GetString("api-key")
	if apiKey == "" {
		apiKey = os.Getenv("TOOLBRIDGE_API_KEY")
	}

	backend, err := llmprovider.New(providerName, apiKey)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())
	startConfigured(cmd, manager)

	logger := newLogger(cmd)
	meter := otelapi.Meter("toolbridge")
	tracer := otelapi.Tracer("toolbridge")
	turnObserver, err := bridgeotel.NewTurnObserver(meter, tracer)
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	callObserver, err := bridgeotel.NewCallObserver(meter, tracer)
	if err != nil {
		return exitError(exitRuntime, "initializing telemetry: %v", err)
	}

	caps := orchestrate.NewCapabilityCache(cmd.Context(), openCapabilityStore(cmd, logger), logger)
	maxTools, _ := cmd.Flags().GetInt("max-tools")
	orchestrator, err := orchestrate.NewOrchestrator(orchestrate.Config{
		Backend:      backend,
		Capabilities: caps,
		Observer:     turnObserver,
		Logger:       logger,
		MaxTools:     maxTools,
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}

	system, _ := cmd.Flags().GetString("system")
	result, err := orchestrator.RunTurn(cmd.Context(), orchestrate.TurnRequest{
		Model:    model,
		System:   system,
		UserText: args[0],
		Catalog:  manager.AllTools(),
	})
	if err != nil {
		return exitError(exitRuntime, "model turn failed: %v", err)
	}

	if result.SimulationDetected {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: simulated completion detected (%s)\n",
			strings.Join(result.SimulationIndicators, ", "))
	}

	noExecute, _ := cmd.Flags().GetBool("no-execute")
	if !result.NeedsToolExecution || noExecute {
		return printJSON(cmd, result)
	}

	executions := make([]core.ToolResult, 0, len(result.ToolCalls))
	for _, call := range result.ToolCalls {
		execution := manager.CallTool(cmd.Context(), call)
		callObserver.ObserveCall(execution)
		executions = append(executions, execution)
	}
	return printJSON(cmd, map[string]any{
		"turn":       result,
		"executions": executions,
	})
}

// openCapabilityStore opens the persistent capability cache; a failure
// degrades to memory-only rather than blocking the turn.
func openCapabilityStore(cmd *cobra.Command, logger *slog.Logger) orchestrate.CapabilityStore {
	path, _ := cmd.Flags().GetString("capability-db")
	var store *orchestrate.SQLiteCapabilityStore
	var err error
	if path != "" {
		store, err = orchestrate.NewSQLiteCapabilityStore(path)
	} else {
		store, err = orchestrate.NewDefaultSQLiteCapabilityStore()
	}
	if err != nil {
		logger.Warn("capability store unavailable; using memory only", "error", err)
		return nil
	}
	return store
}
