package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopGateway string

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the session of a running client",
	Long: `Ask the gateway of a running "agentlink run" to stop its session.
The agent is told to stop the voice chat and destroy the session before the
client disconnects.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().StringVar(&stopGateway, "gateway", "", "gateway host:port (default from config)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if _, err := callGateway(cfg, stopGateway, "session.stop", nil); err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Session stopped")
	return nil
}
