package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arbor-labs/toolbridge/registry"
)

// NewServersCmd creates the "servers" command group.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage external tool-provider processes",
	}
	cmd.AddCommand(newServersListCmd())
	cmd.AddCommand(newServersAddCmd())
	cmd.AddCommand(newServersRemoveCmd())
	cmd.AddCommand(newServersCheckCmd())
	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers and their status",
		Args:  cobra.NoArgs,
		RunE:  runServersList,
	}
}

func runServersList(cmd *cobra.Command, _ []string) error {
	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tID\tSTATUS\tTOOLS\tCOMMAND")
	for _, info := range manager.Servers() {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
			info.Name, info.ID, info.Status, info.ToolCount, info.Command)
	}
	return writer.Flush()
}

func newServersAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a server to the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersAdd,
	}
	cmd.Flags().String("command", "", "Executable to spawn (required)")
	cmd.Flags().StringArray("arg", nil, "Argument to pass (repeatable)")
	cmd.Flags().StringArray("env", nil, "Environment entry KEY=VALUE (repeatable)")
	cmd.Flags().String("cwd", "", "Working directory for the process")
	cmd.Flags().Bool("auto-start", false, "Start this server automatically on load")
	return cmd
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	name := strings.TrimSpace(args[0])
	command, _ := cmd.Flags().GetString("command")
	if strings.TrimSpace(command) == "" {
		return exitError(exitValidation, "--command is required")
	}
	cmdArgs, _ := cmd.Flags().GetStringArray("arg")
	envPairs, _ := cmd.Flags().GetStringArray("env")
	cwd, _ := cmd.Flags().GetString("cwd")
	autoStart, _ := cmd.Flags().GetBool("auto-start")

	env := make(map[string]string, len(envPairs))
	for _, pair := range envPairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return exitError(exitValidation, "invalid --env entry %q, want KEY=VALUE", pair)
		}
		env[key] = value
	}

	path, servers, err := readServerConfig(cmd)
	if err != nil {
		return err
	}
	if _, exists := servers[name]; exists {
		return exitError(exitValidation, "server %q already configured in %s", name, path)
	}
	servers[name] = registry.ServerSpec{
		Command:   command,
		Args:      cmdArgs,
		Env:       env,
		Cwd:       cwd,
		AutoStart: autoStart,
	}
	if err := writeServerConfig(path, servers); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added server %q to %s\n", name, path)
	return nil
}

func newServersRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a server from the configuration file",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersRemove,
	}
}

func runServersRemove(cmd *cobra.Command, args []string) error {
	name := args[0]
	path, servers, err := readServerConfig(cmd)
	if err != nil {
		return err
	}
	if _, exists := servers[name]; !exists {
		return exitError(exitValidation, "server %q is not configured", name)
	}
	delete(servers, name)
	if err := writeServerConfig(path, servers); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed server %q from %s\n", name, path)
	return nil
}

func newServersCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <name>",
		Short: "Spawn one configured server, handshake, and report its tools",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersCheck,
	}
}

func runServersCheck(cmd *cobra.Command, args []string) error {
	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())

	for _, info := range manager.Servers() {
		if info.Name != args[0] {
			continue
		}
		if err := manager.StartServer(cmd.Context(), info.ID); err != nil {
			return exitError(exitRuntime, "starting %s: %v", info.Name, err)
		}
		for _, updated := range manager.Servers() {
			if updated.ID == info.ID {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d tool(s)\n",
					updated.Name, updated.Status, updated.ToolCount)
			}
		}
		return nil
	}
	return exitError(exitValidation, "server %q is not configured", args[0])
}

// serverConfigFile is the on-disk layout "servers add/remove" maintains.
type serverConfigFile struct {
	Servers map[string]registry.ServerSpec `yaml:"servers" json:"servers"`
}

// readServerConfig loads the discovered configuration file, or stages a
// fresh toolbridge.yaml in the first search directory.
func readServerConfig(cmd *cobra.Command) (string, map[string]registry.ServerSpec, error) {
	dirs := searchDirs(cmd)
	path, _, specs, err := registry.DiscoverConfig(dirs)
	if err != nil {
		return "", nil, exitError(exitValidation, "reading configuration: %v", err)
	}
	if path == "" {
		path = filepath.Join(dirs[0], "toolbridge.yaml")
	}
	if specs == nil {
		specs = make(map[string]registry.ServerSpec)
	}
	return path, specs, nil
}

// writeServerConfig rewrites path in the format its extension names, so a
// discovered JSON file stays JSON and DiscoverConfig can still read it back.
func writeServerConfig(path string, servers map[string]registry.ServerSpec) error {
	var (
		data []byte
		err  error
	)
	if registry.IsYAMLPath(path) {
		data, err = yaml.Marshal(serverConfigFile{Servers: servers})
	} else {
		data, err = json.MarshalIndent(serverConfigFile{Servers: servers}, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return exitError(exitRuntime, "encoding configuration: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return exitError(exitRuntime, "writing %s: %v", path, err)
	}
	return nil
}
