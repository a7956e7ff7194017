// Package tool provides the agent tool runtime: tool definitions, the
// global registry, failure-based blocking and result caching.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Param describes one tool parameter.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "integer", "number", "boolean"
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Info describes a tool to the registry and, through it, to the model.
type Info struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params,omitempty"`
	App         string  `json:"app"`                // client/app the tool belongs to, cache namespace
	Mutating    bool    `json:"mutating,omitempty"` // true invalidates the app's cached results
	Source      string  `json:"source"`             // "builtin" or the MCP server name

	// RawSchema overrides the schema derived from Params. Set for tools
	// whose server already publishes a JSON Schema.
	RawSchema json.RawMessage `json:"-"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is a callable unit the agent loop can invoke.
type Tool interface {
	Info() Info
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Func adapts a function into a Tool.
type Func struct {
	Meta Info
	Fn   func(ctx context.Context, args map[string]any) (Result, error)
}

// Info returns the tool's metadata.
func (f *Func) Info() Info { return f.Meta }

// Execute runs the wrapped function.
func (f *Func) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return f.Fn(ctx, args)
}

// Schema renders the tool's parameters as a JSON Schema object for the
// model's tool definition.
func (i Info) Schema() json.RawMessage {
	if len(i.RawSchema) > 0 {
		return i.RawSchema
	}
	props := make(map[string]any, len(i.Params))
	var required []string
	for _, p := range i.Params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		// A schema built from plain maps and strings cannot fail to marshal.
		panic(fmt.Sprintf("tool: marshal schema for %s: %v", i.Name, err))
	}
	return data
}

// StringArg extracts a string argument, with an error naming the parameter.
func StringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing required parameter %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q must be a string", name)
	}
	return s, nil
}

// IntArg extracts an integer argument with a default for missing values.
// JSON numbers arrive as float64.
func IntArg(args map[string]any, name string, def int) (int, error) {
	v, ok := args[name]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %q must be a number", name)
	}
}
