package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/toolbridge/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "toolbridge",
	Short: "ToolBridge tool orchestration CLI",
	Long:  "ToolBridge runs sandboxed builtin tools, external stdio tool providers, and model-driven tool orchestration.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose/debug logging")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().String("sandbox-root", ".", "Directory the builtin file tools are confined to")
	rootCmd.PersistentFlags().String("config-dir", "", "Directory to search for server configuration")
	rootCmd.PersistentFlags().Int("max-concurrent", 0, "Maximum simultaneous tool calls (0 = unlimited)")
	rootCmd.PersistentFlags().Duration("request-timeout", 30*time.Second, "Per-request deadline for provider calls")

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("toolbridge version %s\n", version))

	rootCmd.AddCommand(cli.NewToolsCmd())
	rootCmd.AddCommand(cli.NewServersCmd())
	rootCmd.AddCommand(cli.NewConfigCmd())
	rootCmd.AddCommand(cli.NewChatCmd())
}
