package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentlink.json")
	configForce = false

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "$agent-client")

	_, err = execute(t, "config", "init", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = execute(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)
	configForce = false
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentlink.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"broker": {"url": "tcp://broker:1883", "username": "dev", "password": "hunter2"},
		"gateway": {"shared_secret": "s3cret"}
	}`), 0600))

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "tcp://broker:1883")
	assert.Contains(t, out, "dev")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, masked)
}
