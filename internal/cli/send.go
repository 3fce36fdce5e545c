package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var sendGateway string

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send text to the agent through a running client",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendGateway, "gateway", "", "gateway host:port (default from config)")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	resp, err := callGateway(cfg, sendGateway, "session.sendText", map[string]interface{}{
		"text": strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}

	if result, ok := resp.Result.(map[string]interface{}); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Sent (task %v)\n", result["taskId"])
	}
	return nil
}
