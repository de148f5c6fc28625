// Package tool implements the tool calling subsystem: a registry of named
// capabilities with schema validated arguments, per-call timeouts, retry with
// exponential backoff, and per-tool circuit breakers isolating failing
// external dependencies from the workflow engine.
package tool

import (
	"context"
	"fmt"
	"time"
)

// Tool defines the interface for extending agent capabilities with external functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions (snake_case recommended)
//   - Define proper JSON schema for parameters
//   - Respect context cancellation
//   - Be thread-safe if used concurrently
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	// The description is provided to the model to guide function calling.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]interface{}

	// Call executes the tool with structured arguments. Arguments are parsed
	// from JSON and validated against the tool's schema before this is invoked.
	Call(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Descriptor carries the execution policy registered alongside a tool. It is
// immutable after registration.
type Descriptor struct {
	// Name mirrors Tool.Name; populated by the registry at registration.
	Name string `json:"name"`

	// Description mirrors Tool.Description; populated by the registry.
	Description string `json:"description"`

	// Parameters mirrors Tool.Parameters; populated by the registry.
	Parameters map[string]any `json:"parameters"`

	// Timeout bounds one execution attempt.
	Timeout time.Duration `json:"timeout"`

	// MaxRetries is the number of additional attempts after the first failure.
	MaxRetries int `json:"max_retries"`

	// BreakerThreshold is the count of consecutive exhausted calls that trips
	// the tool's circuit breaker.
	BreakerThreshold int `json:"breaker_threshold"`
}

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxRetries       = 2
	defaultBreakerThreshold = 3
	defaultBackoffBase      = 100 * time.Millisecond
)

// applyDefaults fills zero-valued policy fields.
func (d *Descriptor) applyDefaults() {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = defaultMaxRetries
	}
	if d.BreakerThreshold <= 0 {
		d.BreakerThreshold = defaultBreakerThreshold
	}
}

// Error represents a failure during tool execution.
type Error struct {
	Tool    string `json:"tool"`    // Name of the tool that failed
	Message string `json:"message"` // Error message
	Code    string `json:"code"`    // Error code for categorization
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewError creates a new Error with the specified details.
func NewError(tool, message, code string) *Error {
	return &Error{Tool: tool, Message: message, Code: code}
}
