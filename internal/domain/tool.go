package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ParamKind is the type tag of a ParamSchema node.
type ParamKind string

const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindInteger ParamKind = "integer"
	KindBoolean ParamKind = "boolean"
	KindArray   ParamKind = "array"
	KindObject  ParamKind = "object"
)

// ParamSchema is a hand-authored description of a tool parameter.
// Items is used by KindArray, Properties by KindObject.
type ParamSchema struct {
	Kind        ParamKind               `json:"kind"`
	Description string                  `json:"description,omitempty"`
	Enum        []string                `json:"enum,omitempty"`
	Required    bool                    `json:"required,omitempty"`
	Items       *ParamSchema            `json:"items,omitempty"`
	Properties  map[string]*ParamSchema `json:"properties,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty"`
}

// Object builds an object schema from named fields.
func Object(fields map[string]*ParamSchema) ParamSchema {
	return ParamSchema{Kind: KindObject, Properties: fields}
}

// String builds a string field.
func String(desc string, required bool, enum ...string) *ParamSchema {
	return &ParamSchema{Kind: KindString, Description: desc, Required: required, Enum: enum}
}

// Number builds a number field.
func Number(desc string, required bool) *ParamSchema {
	return &ParamSchema{Kind: KindNumber, Description: desc, Required: required}
}

// Integer builds an integer field with optional inclusive bounds.
func Integer(desc string, required bool, bounds ...float64) *ParamSchema {
	s := &ParamSchema{Kind: KindInteger, Description: desc, Required: required}
	if len(bounds) > 0 {
		s.Minimum = &bounds[0]
	}
	if len(bounds) > 1 {
		s.Maximum = &bounds[1]
	}
	return s
}

// Boolean builds a boolean field.
func Boolean(desc string, required bool) *ParamSchema {
	return &ParamSchema{Kind: KindBoolean, Description: desc, Required: required}
}

// Array builds an array field whose elements follow items.
func Array(desc string, required bool, items *ParamSchema) *ParamSchema {
	return &ParamSchema{Kind: KindArray, Description: desc, Required: required, Items: items}
}

// ToolHandler computes a tool result from already validated params.
type ToolHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ToolDeclaration is a named, schema-validated capability.
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      ParamSchema
	Handler     ToolHandler
}

// ToolCall is a single request to run a tool.
type ToolCall struct {
	ID       string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// ToolResult is the immutable outcome of a ToolCall.
type ToolResult struct {
	CallID    string        `json:"call_id"`
	ToolName  string        `json:"tool_name"`
	Success   bool          `json:"success"`
	Data      any           `json:"data,omitempty"`
	Error     string        `json:"error,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ToolCallRecord pairs a call with its result for the run trace.
type ToolCallRecord struct {
	Call   ToolCall   `json:"call"`
	Result ToolResult `json:"result"`
}

// FunctionDeclaration describes a tool for the model's function-calling protocol.
type FunctionDeclaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  FunctionParameters `json:"parameters"`
}

// FunctionParameters is the top-level JSON Schema object of a FunctionDeclaration.
type FunctionParameters struct {
	Type       string                    `json:"type"`
	Properties map[string]map[string]any `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// FieldError describes one failing parameter.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationResult is returned by parameter validation.
type ValidationResult struct {
	Valid  bool         `json:"valid"`
	Error  string       `json:"error,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
}
