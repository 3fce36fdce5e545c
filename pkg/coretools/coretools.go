package coretools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/agentlink/pkg/events"
	"github.com/harun/agentlink/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

// Light actions
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
)

// LightToolName is the registered name of the light tool
const LightToolName = "light"

// Options configures core tool registration.
type Options struct {
	// Emitter receives tool.state_changed events. The engine passes an emitter that
	// posts onto its dispatch loop.
	Emitter events.Emitter
	// Light is the device backing the light tool. A new one is created when nil.
	Light *Light
}

// LightState is the payload of a light state change
type LightState struct {
	On bool `json:"on"`
}

// Light is a simulated switchable lamp
type Light struct {
	mu sync.Mutex
	on bool
}

// NewLight returns a light that starts off
func NewLight() *Light {
	return &Light{}
}

// State returns the current state
func (l *Light) State() LightState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LightState{On: l.on}
}

// Apply performs action and returns the resulting state
func (l *Light) Apply(action string) (LightState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch action {
	case ActionOn:
		l.on = true
	case ActionOff:
		l.on = false
	case ActionToggle:
		l.on = !l.on
	default:
		return LightState{On: l.on}, fmt.Errorf("unsupported light action %q", action)
	}
	return LightState{On: l.on}, nil
}

func (s LightState) String() string {
	if s.On {
		return "light is on"
	}
	return "light is off"
}

// RegisterCoreTools registers the built-in device tools.
func RegisterCoreTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	if opts.Light == nil {
		opts.Light = NewLight()
	}

	tools := []toolexecutor.ToolDefinition{
		lightTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func lightTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        LightToolName,
		Description: "Turn the light on or off, or toggle it.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "action",
				Type:        "string",
				Description: "What to do with the light",
				Required:    true,
				Enum:        []string{ActionOn, ActionOff, ActionToggle},
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			action, _ := params["action"].(string)
			state, err := opts.Light.Apply(action)
			if err != nil {
				return nil, err
			}
			log.Debug().
				Str("tool", LightToolName).
				Str("caller", toolexecutor.CallerFromContext(ctx)).
				Bool("on", state.On).
				Msg("Light switched")

			opts.Emitter.Emit(events.TypeToolStateChanged, events.ToolStateChange{
				Tool:  LightToolName,
				State: state,
			})
			return state.String(), nil
		},
	}
}
