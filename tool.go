package invobot

import (
	"context"

	"github.com/invobot/invobot/providers"
)

// Invocation carries one tool call's arguments plus caller identity. UserID
// and SourceMessageID are always injected by the assistant from the inbound
// message, never taken from the model; the model must not be able to act on
// behalf of another user.
type Invocation struct {
	UserID          string
	SourceMessageID string
	Args            map[string]any
}

// StringArg returns a string argument by name, or "" if absent or not a
// string.
func (inv Invocation) StringArg(name string) string {
	s, _ := inv.Args[name].(string)
	return s
}

// ToolHandler executes a tool call and returns the text fed back to the
// model. A returned error is converted into tool_result text by the
// assistant; it never aborts the turn.
type ToolHandler func(ctx context.Context, inv Invocation) (string, error)

// Tool is a named capability the model may invoke with structured
// arguments.
type Tool struct {
	name        string
	description string
	parameters  map[string]any
	handler     ToolHandler
}

// ToolBuilder helps construct tools with a fluent API.
type ToolBuilder struct {
	tool Tool
}

// NewTool creates a new tool builder.
func NewTool(name string) *ToolBuilder {
	return &ToolBuilder{
		tool: Tool{
			name:       name,
			parameters: map[string]any{},
		},
	}
}

// WithDescription sets the tool description.
func (tb *ToolBuilder) WithDescription(desc string) *ToolBuilder {
	tb.tool.description = desc
	return tb
}

// WithParameter adds a parameter to the tool schema.
func (tb *ToolBuilder) WithParameter(name string, schema *ParameterSchema) *ToolBuilder {
	if tb.tool.parameters["properties"] == nil {
		tb.tool.parameters = map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"required":             []string{},
			"additionalProperties": false,
		}
	}

	props := tb.tool.parameters["properties"].(map[string]any)
	props[name] = schema.ToMap()

	if schema.required {
		required := tb.tool.parameters["required"].([]string)
		tb.tool.parameters["required"] = append(required, name)
	}

	return tb
}

// WithHandler sets the tool handler function.
func (tb *ToolBuilder) WithHandler(handler ToolHandler) *ToolBuilder {
	tb.tool.handler = handler
	return tb
}

// Build returns the constructed tool.
func (tb *ToolBuilder) Build() Tool {
	if len(tb.tool.parameters) == 0 {
		tb.tool.parameters = map[string]any{
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		}
	}
	return tb.tool
}

// Name returns the tool name.
func (t Tool) Name() string { return t.name }

// ToToolDefinition converts the tool to a provider-agnostic definition.
func (t Tool) ToToolDefinition() providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  t.parameters,
	}
}

// ParameterSchema defines a tool parameter schema.
type ParameterSchema struct {
	paramType   string
	description string
	required    bool
	enum        []string
}

// String creates a string parameter schema.
func String() *ParameterSchema {
	return &ParameterSchema{paramType: "string"}
}

// WithDescription sets the parameter description.
func (ps *ParameterSchema) WithDescription(desc string) *ParameterSchema {
	ps.description = desc
	return ps
}

// Required marks the parameter as required.
func (ps *ParameterSchema) Required() *ParameterSchema {
	ps.required = true
	return ps
}

// WithEnum sets allowed values for the parameter.
func (ps *ParameterSchema) WithEnum(values ...string) *ParameterSchema {
	ps.enum = values
	return ps
}

// ToMap converts the schema to a JSON-schema map.
func (ps *ParameterSchema) ToMap() map[string]any {
	m := map[string]any{
		"type": ps.paramType,
	}
	if ps.description != "" {
		m["description"] = ps.description
	}
	if len(ps.enum) > 0 {
		m["enum"] = ps.enum
	}
	return m
}
