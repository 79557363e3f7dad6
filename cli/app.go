package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/toolbridge/mcp"
	"github.com/arbor-labs/toolbridge/registry"
)

// newLogger builds the CLI logger, honoring the persistent verbosity
// flags.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// newManager builds a registry manager from the persistent flags and
// loads the discovered server configuration.
func newManager(cmd *cobra.Command) (*registry.Manager, error) {
	root, _ := cmd.Flags().GetString("sandbox-root")
	if root == "" {
		root = "."
	}
	maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
	timeout, _ := cmd.Flags().GetDuration("request-timeout")

	cfg := registry.Config{
		SandboxRoot:    root,
		MaxConcurrent:  maxConcurrent,
		RequestTimeout: timeout,
		Logger:         newLogger(cmd),
	}
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		cfg.SearchDirs = []string{dir}
	}

	manager, err := registry.NewManager(cfg)
	if err != nil {
		return nil, exitError(exitValidation, "initializing manager: %v", err)
	}
	if _, err := manager.LoadConfiguration(cmd.Context()); err != nil {
		_ = manager.Close(cmd.Context())
		return nil, exitError(exitValidation, "loading configuration: %v", err)
	}
	return manager, nil
}

// searchDirs resolves the discovery path honoring --config-dir.
func searchDirs(cmd *cobra.Command) []string {
	if dir, _ := cmd.Flags().GetString("config-dir"); dir != "" {
		return []string{dir}
	}
	return registry.DefaultSearchDirs()
}

// startConfigured boots every registered server and waits briefly for
// handshakes so one-shot commands see a populated catalog.
func startConfigured(cmd *cobra.Command, manager *registry.Manager) {
	logger := newLogger(cmd)
	for _, info := range manager.Servers() {
		if info.Status != mcp.StatusStopped {
			continue
		}
		if err := manager.StartServer(cmd.Context(), info.ID); err != nil {
			logger.Warn("server failed to start", "server", info.Name, "error", err)
		}
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding output: %v", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
