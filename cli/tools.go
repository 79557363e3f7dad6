package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/arbor-labs/toolbridge/core"
	"github.com/arbor-labs/toolbridge/relevance"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and invoke tools",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsCallCmd())
	cmd.AddCommand(newToolsRelevantCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the merged tool catalog",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().Bool("json", false, "Emit the catalog as JSON")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())
	startConfigured(cmd, manager)

	tools := manager.AllTools()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd, tools)
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tORIGIN\tDESCRIPTION")
	for _, tool := range tools {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", tool.Name, tool.Origin, oneLine(tool.Description))
	}
	return writer.Flush()
}

func newToolsCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <name>",
		Short: "Invoke one tool and print its result envelope",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsCall,
	}
	cmd.Flags().String("args", "{}", "Tool arguments as a JSON object")
	cmd.Flags().String("server", "", "Route to a specific server id instead of the catalog")
	return cmd
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	rawArgs, _ := cmd.Flags().GetString("args")
	arguments := make(map[string]any)
	if err := json.Unmarshal([]byte(rawArgs), &arguments); err != nil {
		return exitError(exitValidation, "parsing --args: %v", err)
	}

	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())
	startConfigured(cmd, manager)

	serverID, _ := cmd.Flags().GetString("server")
	result := manager.CallTool(cmd.Context(), core.ToolCall{
		Tool:       args[0],
		Arguments:  arguments,
		ProviderID: serverID,
	})
	if err := printJSON(cmd, result); err != nil {
		return err
	}
	if !result.Success {
		return exitError(exitRuntime, "tool %s failed: %s", args[0], result.Error)
	}
	return nil
}

func newToolsRelevantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relevant <query>",
		Short: "Rank the catalog against a query the way a turn would",
		Args:  cobra.ExactArgs(1),
		RunE:  runToolsRelevant,
	}
	cmd.Flags().Int("max", 12, "Maximum tools to select")
	return cmd
}

func runToolsRelevant(cmd *cobra.Command, args []string) error {
	manager, err := newManager(cmd)
	if err != nil {
		return err
	}
	defer manager.Close(cmd.Context())
	startConfigured(cmd, manager)

	engine := relevance.NewEngine(relevance.Config{})
	max, _ := cmd.Flags().GetInt("max")
	catalog := manager.AllTools()

	selection := engine.Select(catalog, args[0], max)
	ranked := engine.Rank(catalog, args[0])
	scores := make(map[string]float64, len(ranked))
	for _, s := range ranked {
		scores[s.Tool.Name] = s.Score
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSCORE\tORIGIN")
	for _, tool := range selection.Tools {
		fmt.Fprintf(writer, "%s\t%.2f\t%s\n", tool.Name, scores[tool.Name], tool.Origin)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if selection.Fallback {
		fmt.Fprintln(cmd.OutOrStdout(), "(no tool scored positive; showing catalog head)")
	}
	return nil
}

func oneLine(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > 72 {
		return text[:69] + "..."
	}
	return text
}
