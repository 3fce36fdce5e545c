package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harun/agentlink/internal/config"
	"github.com/harun/agentlink/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusGateway string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session status of a running client",
	Long:  `Query the gateway of a running "agentlink run" for its session phase and connectivity.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusGateway, "gateway", "", "gateway host:port (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var health struct {
		Status    string `json:"status"`
		Phase     string `json:"phase"`
		Connected bool   `json:"connected"`
		Clients   int    `json:"clients"`
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(gatewayURL(cfg, statusGateway) + "/healthz")
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: not running")
		return nil
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("invalid health response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", health.Status)
	fmt.Fprintf(out, "Phase: %s\n", health.Phase)
	fmt.Fprintf(out, "Connected: %t\n", health.Connected)
	fmt.Fprintf(out, "Gateway clients: %d\n", health.Clients)
	return nil
}

// gatewayURL resolves the base URL of a running gateway
func gatewayURL(cfg *config.Config, override string) string {
	addr := override
	if addr == "" {
		addr = cfg.Gateway.Address()
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}

// callGateway posts one JSON-RPC request to a running gateway
func callGateway(cfg *config.Config, override, method string, params map[string]interface{}) (*gateway.RPCResponse, error) {
	body, err := json.Marshal(gateway.RPCRequest{
		ID:      "1",
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, gatewayURL(cfg, override)+"/rpc", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set(gateway.SecretHeader, cfg.Gateway.SharedSecret)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s", resp.Status)
	}

	var out gateway.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invalid gateway response: %w", err)
	}
	if out.Error != nil {
		return &out, out.Error
	}
	return &out, nil
}
