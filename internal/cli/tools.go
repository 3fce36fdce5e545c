package cli

import (
	"encoding/json"
	"fmt"

	"github.com/harun/agentlink/pkg/coretools"
	"github.com/harun/agentlink/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Print the tools offered to the agent",
	Long:  `Print the name, description and input schema of every tool the client serves, as JSON.`,
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	exec := toolexecutor.New()
	if err := coretools.RegisterCoreTools(exec, coretools.Options{}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(exec.Descriptors())
}
