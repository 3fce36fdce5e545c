package cli

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harun/agentlink/internal/config"
	"github.com/harun/agentlink/pkg/agentclient"
	"github.com/harun/agentlink/pkg/agentsim"
	"github.com/harun/agentlink/pkg/engine"
	"github.com/harun/agentlink/pkg/gateway"
	"github.com/harun/agentlink/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startGateway serves a gateway over an engine talking to the demo agent
func startGateway(t *testing.T) (*engine.Engine, string) {
	t.Helper()

	broker := transport.NewBroker(nil)
	agent := agentsim.New(broker.NewTransport(), agentsim.Options{AgentID: "bot"})
	require.NoError(t, agent.Start(context.Background(), "mem://cli"))

	eng, err := engine.New(engine.Options{Transport: broker.NewTransport(), StopGrace: 100 * time.Millisecond})
	require.NoError(t, err)

	gw, err := gateway.NewServer(gateway.Config{Controller: eng, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		_ = gw.Stop(context.Background())
		ts.Close()
		_ = eng.Close(context.Background())
		_ = agent.Stop(context.Background())
	})
	return eng, strings.TrimPrefix(ts.URL, "http://")
}

func TestStatusCommand(t *testing.T) {
	_, addr := startGateway(t)
	configPath := t.TempDir() + "/agentlink.json"

	out, err := execute(t, "status", "--config", configPath, "--gateway", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: ok")
	assert.Contains(t, out, "Phase: idle")
	assert.Contains(t, out, "Connected: false")
}

func TestStatusCommand_NotRunning(t *testing.T) {
	configPath := t.TempDir() + "/agentlink.json"

	out, err := execute(t, "status", "--config", configPath, "--gateway", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "Status: not running")
}

func TestSendAndStopCommands(t *testing.T) {
	eng, addr := startGateway(t)
	configPath := t.TempDir() + "/agentlink.json"

	require.NoError(t, eng.Start(context.Background(), "mem://cli", "bot", "c1"))
	require.Eventually(t, func() bool { return eng.Phase() == agentclient.PhaseActive }, 2*time.Second, 5*time.Millisecond)

	out, err := execute(t, "send", "--config", configPath, "--gateway", addr, "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "Sent (task 1)\n", out)

	out, err = execute(t, "stop", "--config", configPath, "--gateway", addr)
	require.NoError(t, err)
	assert.Equal(t, "Session stopped\n", out)
	assert.Equal(t, agentclient.PhaseIdle, eng.Phase())

	_, err = execute(t, "send", "--config", configPath, "--gateway", addr, "again")
	assert.Error(t, err)
}

func TestGatewayURL(t *testing.T) {
	cfg := config.DefaultConfig()

	assert.Equal(t, "http://127.0.0.1:8790", gatewayURL(cfg, ""))
	assert.Equal(t, "http://localhost:9000", gatewayURL(cfg, "localhost:9000"))
	assert.Equal(t, "https://gw.local", gatewayURL(cfg, "https://gw.local/"))
}
