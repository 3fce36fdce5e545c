package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ErrRegistrySealed is returned by RegisterTool once the registry is in use
var ErrRegistrySealed = errors.New("tool registry is sealed")

// DefaultTimeout bounds a tool handler when the execution context sets none
const DefaultTimeout = 30 * time.Second

const maxOutputSize = 10 * 1024

// FailureKind classifies why an execution did not succeed
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureNotFound      FailureKind = "not_found"
	FailureInvalidParams FailureKind = "invalid_params"
	FailureHandler       FailureKind = "handler"
	FailureTimeout       FailureKind = "timeout"
)

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution. A string result is
// returned to the caller as-is; anything else is encoded as JSON.
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ExecutionContext provides runtime information for tool execution
type ExecutionContext struct {
	SessionKey string
	// Caller identifies the remote client that invoked the tool.
	Caller  string
	Timeout time.Duration
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	Success   bool          `json:"success"`
	Content   string        `json:"content,omitempty"`
	Error     string        `json:"error,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Failure   FailureKind   `json:"failure,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Descriptor is the advertised form of a tool
type Descriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ToolExecutor manages and executes tools
type ToolExecutor struct {
	tools      map[string]*ToolDefinition
	schemas    map[string]*gojsonschema.Schema
	rawSchemas map[string]map[string]interface{}
	sealed     bool
	mu         sync.RWMutex
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	te := &ToolExecutor{
		tools:      make(map[string]*ToolDefinition),
		schemas:    make(map[string]*gojsonschema.Schema),
		rawSchemas: make(map[string]map[string]interface{}),
	}

	log.Debug().Msg("Tool executor initialized")

	return te
}

// Seal freezes the registry. Later registrations fail with ErrRegistrySealed.
func (te *ToolExecutor) Seal() {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.sealed = true
}

// Sealed reports whether Seal has been called
func (te *ToolExecutor) Sealed() bool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.sealed
}

// RegisterTool registers a new tool. Names must be unique.
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := te.validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	raw := te.schemaMap(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if te.sealed {
		return fmt.Errorf("register %s: %w", def.Name, ErrRegistrySealed)
	}
	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}

	te.tools[def.Name] = &def
	te.schemas[def.Name] = schema
	te.rawSchemas[def.Name] = raw

	log.Info().Str("tool", def.Name).Msg("Tool registered")

	return nil
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return te.tools[name]
}

// ListTools returns all registered tool names, sorted
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tools := make([]string, 0, len(te.tools))
	for name := range te.tools {
		tools = append(tools, name)
	}
	sort.Strings(tools)

	return tools
}

// GetToolCount returns the number of registered tools
func (te *ToolExecutor) GetToolCount() int {
	te.mu.RLock()
	defer te.mu.RUnlock()

	return len(te.tools)
}

// Descriptors returns name, description and input schema for every tool, sorted by name
func (te *ToolExecutor) Descriptors() []Descriptor {
	names := te.ListTools()

	te.mu.RLock()
	defer te.mu.RUnlock()

	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		tool, ok := te.tools[name]
		if !ok {
			continue
		}
		out = append(out, Descriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: te.rawSchemas[name],
		})
	}
	return out
}

// Execute validates params and runs the tool handler synchronously on the calling
// goroutine, bounded by the execution timeout.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, params map[string]interface{}, execCtx *ExecutionContext) ToolResult {
	startTime := time.Now()

	te.mu.RLock()
	tool := te.tools[toolName]
	schema := te.schemas[toolName]
	te.mu.RUnlock()

	if tool == nil {
		log.Warn().Str("tool", toolName).Msg("Tool not found")
		return ToolResult{
			Error:   fmt.Sprintf("tool not found: %s", toolName),
			Failure: FailureNotFound,
		}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if err := te.validateParameters(schema, params); err != nil {
		log.Warn().Str("tool", toolName).Err(err).Msg("Parameter validation failed")
		return ToolResult{
			Error:   fmt.Sprintf("parameter validation failed: %v", err),
			Failure: FailureInvalidParams,
		}
	}

	timeout := DefaultTimeout
	if execCtx != nil && execCtx.Timeout > 0 {
		timeout = execCtx.Timeout
	}

	timeoutCtx, cancel := context.WithTimeout(ContextWithExecContext(ctx, execCtx), timeout)
	defer cancel()

	log.Debug().Str("tool", toolName).Msg("Executing tool")

	result, err := tool.Handler(timeoutCtx, params)
	duration := time.Since(startTime)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || timeoutCtx.Err() == context.DeadlineExceeded {
			log.Error().Str("tool", toolName).Dur("duration", duration).Msg("Tool execution timeout")
			return ToolResult{
				Error:    fmt.Sprintf("tool execution timeout after %v", timeout),
				Failure:  FailureTimeout,
				Duration: duration,
			}
		}

		log.Error().Str("tool", toolName).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		return ToolResult{
			Error:    err.Error(),
			Failure:  FailureHandler,
			Duration: duration,
		}
	}

	content, err := renderOutput(result)
	if err != nil {
		return ToolResult{
			Error:    fmt.Sprintf("encode result: %v", err),
			Failure:  FailureHandler,
			Duration: duration,
		}
	}
	content, truncated := te.truncateOutput(content)

	log.Debug().
		Str("tool", toolName).
		Dur("duration", duration).
		Bool("truncated", truncated).
		Msg("Tool execution completed")

	return ToolResult{
		Success:   true,
		Content:   content,
		Truncated: truncated,
		Duration:  duration,
	}
}

func (te *ToolExecutor) validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if seen[param.Name] {
			return fmt.Errorf("duplicate parameter %s", param.Name)
		}
		seen[param.Name] = true
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if len(param.Enum) > 0 && param.Type != "string" {
			return fmt.Errorf("enum is only supported for string parameters (%s)", param.Name)
		}
	}

	return nil
}

// schemaMap builds the JSON Schema advertised for a tool
func (te *ToolExecutor) schemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			values := make([]interface{}, len(param.Enum))
			for i, v := range param.Enum {
				values[i] = v
			}
			paramSchema["enum"] = values
		}

		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schemaMap["required"] = required
	}
	return schemaMap
}

func (te *ToolExecutor) validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

func renderOutput(result interface{}) (string, error) {
	switch v := result.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// truncateOutput truncates output if it exceeds the size limit
func (te *ToolExecutor) truncateOutput(output string) (string, bool) {
	if len(output) <= maxOutputSize {
		return output, false
	}

	// cut on a rune boundary
	cut := maxOutputSize
	for cut > 0 && !utf8.RuneStart(output[cut]) {
		cut--
	}

	log.Warn().
		Int("original", len(output)).
		Int("truncated", cut).
		Msg("Output truncated")

	return output[:cut] + "\n... [output truncated]", true
}
