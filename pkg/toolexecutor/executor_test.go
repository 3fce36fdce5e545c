package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "mode", Type: "string", Description: "Echo mode", Enum: []string{"plain", "upper"}},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			text := params["text"].(string)
			if params["mode"] == "upper" {
				return strings.ToUpper(text), nil
			}
			return text, nil
		},
	}
}

func TestToolExecutor_RegisterTool(t *testing.T) {
	te := New()

	err := te.RegisterTool(echoTool())
	require.NoError(t, err)

	tool := te.GetTool("echo")
	require.NotNil(t, tool)
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, 1, te.GetToolCount())
}

func TestToolExecutor_RegisterTool_Duplicate(t *testing.T) {
	te := New()

	require.NoError(t, te.RegisterTool(echoTool()))
	err := te.RegisterTool(echoTool())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestToolExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New()

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{
			name: "empty name",
			def:  ToolDefinition{Description: "Test", Handler: noop},
		},
		{
			name: "empty description",
			def:  ToolDefinition{Name: "test", Handler: noop},
		},
		{
			name: "nil handler",
			def:  ToolDefinition{Name: "test", Description: "Test"},
		},
		{
			name: "bad parameter type",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}},
			},
		},
		{
			name: "enum on non-string",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "integer", Description: "x", Enum: []string{"1"}}},
			},
		},
		{
			name: "duplicate parameter",
			def: ToolDefinition{
				Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{
					{Name: "x", Type: "string", Description: "x"},
					{Name: "x", Type: "string", Description: "x"},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.def))
		})
	}
	assert.Equal(t, 0, te.GetToolCount())
}

func TestToolExecutor_Seal(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	te.Seal()
	assert.True(t, te.Sealed())

	err := te.RegisterTool(ToolDefinition{Name: "late", Description: "Late", Handler: noop})
	assert.ErrorIs(t, err, ErrRegistrySealed)
	assert.Nil(t, te.GetTool("late"))

	res := te.Execute(context.Background(), "echo", map[string]interface{}{"text": "still works"}, nil)
	assert.True(t, res.Success)
}

func TestToolExecutor_Execute_Success(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	res := te.Execute(context.Background(), "echo", map[string]interface{}{"text": "hello", "mode": "upper"}, nil)
	assert.True(t, res.Success)
	assert.Equal(t, "HELLO", res.Content)
	assert.Empty(t, res.Error)
	assert.Equal(t, FailureNone, res.Failure)
	assert.False(t, res.Truncated)
}

func TestToolExecutor_Execute_StructuredResult(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "status",
		Description: "Report status",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"on": true}, nil
		},
	}))

	res := te.Execute(context.Background(), "status", nil, nil)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"on":true}`, res.Content)
}

func TestToolExecutor_Execute_ToolNotFound(t *testing.T) {
	te := New()

	res := te.Execute(context.Background(), "missing", map[string]interface{}{}, nil)
	assert.False(t, res.Success)
	assert.Equal(t, FailureNotFound, res.Failure)
	assert.Contains(t, res.Error, "tool not found")
}

func TestToolExecutor_Execute_ValidationError(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{name: "missing required", params: map[string]interface{}{}},
		{name: "wrong type", params: map[string]interface{}{"text": 42}},
		{name: "outside enum", params: map[string]interface{}{"text": "x", "mode": "sideways"}},
		{name: "unknown parameter", params: map[string]interface{}{"text": "x", "extra": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.Execute(context.Background(), "echo", tt.params, nil)
			assert.False(t, res.Success)
			assert.Equal(t, FailureInvalidParams, res.Failure)
			assert.Contains(t, res.Error, "parameter validation failed")
		})
	}
}

func TestToolExecutor_Execute_HandlerError(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, errors.New("device unreachable")
		},
	}))

	res := te.Execute(context.Background(), "broken", nil, nil)
	assert.False(t, res.Success)
	assert.Equal(t, FailureHandler, res.Failure)
	assert.Equal(t, "device unreachable", res.Error)
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "slow",
		Description: "Waits for its context",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "late", nil
			}
		},
	}))

	res := te.Execute(context.Background(), "slow", nil, &ExecutionContext{Timeout: 20 * time.Millisecond})
	assert.False(t, res.Success)
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Contains(t, res.Error, "timeout")
}

func TestToolExecutor_Execute_PassesExecutionContext(t *testing.T) {
	te := New()
	var caller string
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "whoami",
		Description: "Report caller",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			if ec := ExecContextFromContext(ctx); ec != nil {
				caller = ec.Caller
			}
			return caller, nil
		},
	}))

	res := te.Execute(context.Background(), "whoami", nil, &ExecutionContext{Caller: "mcp-client-1"})
	assert.True(t, res.Success)
	assert.Equal(t, "mcp-client-1", caller)
}

func TestToolExecutor_Execute_OutputTruncation(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "big",
		Description: "Large output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat("x", 20*1024), nil
		},
	}))

	res := te.Execute(context.Background(), "big", nil, nil)
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Content, "[output truncated]"))
	assert.Less(t, len(res.Content), 11*1024)
}

func TestToolExecutor_Execute_TruncationKeepsRunes(t *testing.T) {
	te := New()
	// 3-byte runes; the size limit falls one byte into a rune
	require.NoError(t, te.RegisterTool(ToolDefinition{
		Name:        "wide",
		Description: "Multi-byte output",
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return strings.Repeat("灯", 5000), nil
		},
	}))

	res := te.Execute(context.Background(), "wide", nil, nil)
	require.True(t, res.Truncated)
	assert.True(t, utf8.ValidString(res.Content))

	body := strings.TrimSuffix(res.Content, "\n... [output truncated]")
	assert.LessOrEqual(t, len(body), maxOutputSize)
	assert.Equal(t, maxOutputSize-1, len(body))
	assert.Equal(t, strings.Repeat("灯", (maxOutputSize-1)/3), body)
}

func TestToolExecutor_ListTools(t *testing.T) {
	te := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, te.RegisterTool(ToolDefinition{Name: name, Description: name, Handler: noop}))
	}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, te.ListTools())
	assert.Equal(t, 3, te.GetToolCount())
}

func TestToolExecutor_Descriptors(t *testing.T) {
	te := New()
	require.NoError(t, te.RegisterTool(echoTool()))

	descs := te.Descriptors()
	require.Len(t, descs, 1)
	d := descs[0]
	assert.Equal(t, "echo", d.Name)
	assert.Equal(t, "Echo input", d.Description)
	assert.Equal(t, "object", d.InputSchema["type"])
	assert.Equal(t, false, d.InputSchema["additionalProperties"])
	assert.Equal(t, []string{"text"}, d.InputSchema["required"])

	props := d.InputSchema["properties"].(map[string]interface{})
	mode := props["mode"].(map[string]interface{})
	assert.Equal(t, []interface{}{"plain", "upper"}, mode["enum"])
}

func TestExecContext_RoundTrip(t *testing.T) {
	ctx := ContextWithExecContext(context.Background(), &ExecutionContext{SessionKey: "s1", Caller: "mcp-1"})
	ec := ExecContextFromContext(ctx)
	require.NotNil(t, ec)
	assert.Equal(t, "s1", ec.SessionKey)
	assert.Equal(t, "mcp-1", CallerFromContext(ctx))
	assert.Empty(t, CallerFromContext(context.Background()))

	assert.Nil(t, ExecContextFromContext(context.Background()))
	assert.Equal(t, context.Background(), ContextWithExecContext(context.Background(), nil))
}
