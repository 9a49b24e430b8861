package domain

import (
	"context"
	"encoding/json"
)

// LLMProvider is the interface for any chat-style LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier (e.g., "openai", "bedrock").
	Name() string
}

// GenerationKind tags the shape of a GenerateWithTools reply.
type GenerationKind string

const (
	GenerationText         GenerationKind = "text"
	GenerationFunctionCall GenerationKind = "function_call"
)

// FunctionCall is a tool invocation extracted from a model reply.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Generation is the reply of GenerateWithTools.
type Generation struct {
	Kind    GenerationKind `json:"kind"`
	Content string         `json:"content,omitempty"`
	Calls   []FunctionCall `json:"calls,omitempty"`
}

// ModelBackend is the generative collaborator consumed by the reasoning engine.
type ModelBackend interface {
	// GenerateStructured returns raw text that the caller parses and validates.
	GenerateStructured(ctx context.Context, prompt string) (string, error)
	// GenerateWithTools returns either text or extracted function calls.
	GenerateWithTools(ctx context.Context, prompt string, tools []FunctionDeclaration) (*Generation, error)
}
