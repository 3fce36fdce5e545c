// Package toolexecutor registers and executes the structured tools a session exposes
// to its remote agent.
//
// Invariants:
// - Tool names are unique.
// - Parameters are schema-validated before execution; unknown parameters are rejected.
// - The registry is sealed once a session starts serving it.
//
// Usage:
//
//	exec := toolexecutor.New()
//	_ = exec.RegisterTool(toolexecutor.ToolDefinition{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []toolexecutor.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return params["text"], nil },
//	})
//	res := exec.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
package toolexecutor
