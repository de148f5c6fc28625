package provider

import (
	"context"

	"github.com/hupe1980/agentcore/core"
)

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the
// model. Parameters is a JSON Schema object (minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function-typed tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// Request captures the normalized model input produced by the engine.
// Instructions carry the system prompt separately from the conversation so
// adapters can map it onto whatever mechanism their vendor exposes.
type Request struct {
	Instructions string           `json:"instructions"`
	Messages     []core.Message   `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a streaming model.
// A final response carries either Text, a FunctionCall, or both.
type Response struct {
	ID           string             `json:"id,omitempty"`
	Partial      bool               `json:"partial"`
	Text         string             `json:"text,omitempty"`
	FunctionCall *core.FunctionCall `json:"function_call,omitempty"`
	FinishReason string             `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage        `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface the engine needs to drive generation.
// Generate returns a response channel and an error channel; both are closed
// when generation finishes. Partial responses precede exactly one final one.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}
