package tool

import (
	"context"
	"errors"

	"github.com/hupe1980/agentcore/internal/util"
)

// FunctionTool is a generic adapter that exposes a plain Go function as a
// registry tool.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Validates model supplied arguments against that schema before execution
//   - Normalizes error handling so callers receive *Error with consistent
//     codes: VALIDATION_ERROR for schema mismatches, EXECUTION_ERROR for
//     failures from the wrapped function (custom codes preserved if the
//     function returns *Error directly)
//
// A FunctionTool has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sumTool := NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFunctionTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// reflection; a convenience for simple argument containers equivalent to
// passing util.CreateSchema(structType).
func NewFunctionToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name used in function call declarations.
func (t *FunctionTool) Name() string { return t.name }

// Description returns the human readable description shown to models.
func (t *FunctionTool) Description() string { return t.description }

// Parameters returns the JSON schema describing accepted arguments.
func (t *FunctionTool) Parameters() map[string]any { return t.parameters }

// Call validates args against the schema then invokes the wrapped function.
func (t *FunctionTool) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		var ve *util.ValidationError
		if errors.As(err, &ve) {
			return nil, NewError(t.name, ve.Message, "VALIDATION_ERROR")
		}
		return nil, NewError(t.name, err.Error(), "VALIDATION_ERROR")
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, NewError(t.name, err.Error(), "EXECUTION_ERROR")
	}
	return result, nil
}
