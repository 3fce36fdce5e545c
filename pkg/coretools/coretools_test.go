package coretools

import (
	"context"
	"testing"

	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	changes []events.ToolStateChange
}

func (c *captured) Emit(eventType events.Type, data interface{}) {
	if eventType == events.TypeToolStateChanged {
		c.changes = append(c.changes, data.(events.ToolStateChange))
	}
}

func setup(t *testing.T) (*toolexecutor.ToolExecutor, *captured, *Light) {
	t.Helper()
	exec := toolexecutor.New()
	sink := &captured{}
	light := NewLight()
	require.NoError(t, RegisterCoreTools(exec, Options{Emitter: sink, Light: light}))
	return exec, sink, light
}

func TestRegisterCoreTools(t *testing.T) {
	exec, _, _ := setup(t)
	assert.Equal(t, []string{"light"}, exec.ListTools())

	assert.Error(t, RegisterCoreTools(nil, Options{}))
}

func TestLightTool_On(t *testing.T) {
	exec, sink, light := setup(t)

	res := exec.Execute(context.Background(), "light", map[string]interface{}{"action": "on"}, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "light is on", res.Content)

	require.Len(t, sink.changes, 1)
	assert.Equal(t, "light", sink.changes[0].Tool)
	assert.Equal(t, LightState{On: true}, sink.changes[0].State)
	assert.True(t, light.State().On)
}

func TestLightTool_InvalidAction(t *testing.T) {
	exec, sink, light := setup(t)

	res := exec.Execute(context.Background(), "light", map[string]interface{}{"action": "sideways"}, nil)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Empty(t, sink.changes)
	assert.False(t, light.State().On)
}

func TestLightTool_Toggle(t *testing.T) {
	exec, sink, _ := setup(t)

	tests := []struct {
		action string
		want   string
	}{
		{"toggle", "light is on"},
		{"toggle", "light is off"},
		{"off", "light is off"},
		{"on", "light is on"},
	}
	for _, tt := range tests {
		res := exec.Execute(context.Background(), "light", map[string]interface{}{"action": tt.action}, nil)
		require.True(t, res.Success)
		assert.Equal(t, tt.want, res.Content)
	}
	assert.Len(t, sink.changes, 4)
}

func TestLight_Apply(t *testing.T) {
	l := NewLight()
	_, err := l.Apply("dim")
	assert.Error(t, err)

	state, err := l.Apply(ActionToggle)
	require.NoError(t, err)
	assert.True(t, state.On)
	assert.Equal(t, "light is on", state.String())
}
