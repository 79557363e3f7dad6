package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/toolbridge/registry"
)

// NewConfigCmd creates the "config" command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect server configuration discovery",
	}
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigCheckCmd())
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file discovery would adopt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, _, err := registry.DiscoverConfig(searchDirs(cmd))
			if err != nil {
				return exitError(exitValidation, "%v", err)
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "(none: builtin tools only)")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Parse the discovered configuration and list its servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, names, specs, err := registry.DiscoverConfig(searchDirs(cmd))
			if err != nil {
				return exitError(exitValidation, "%v", err)
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no configuration file found; builtin tools only")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d server(s)\n", path, len(names))
			for _, name := range names {
				spec := specs[name]
				autoStart := ""
				if spec.AutoStart {
					autoStart = " (auto-start)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s%s\n", name, spec.Command, autoStart)
			}
			return nil
		},
	}
}
