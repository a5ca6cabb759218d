package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/poemux/poemux/internal/util"
	"github.com/poemux/poemux/logging"
)

// FuncOperation is a generic adapter that exposes a plain Go function as an
// operation.
//
// Responsibilities:
//   - Holds a lightweight JSON-Schema-like parameter specification
//   - Validates caller supplied arguments against that schema before execution
//   - Normalizes error handling so callers receive *OperationError with
//     consistent codes:
//     VALIDATION_ERROR  -> schema / argument mismatch
//     EXECUTION_ERROR   -> underlying function returned an error (non-OperationError)
//     (custom codes preserved if the function returns *OperationError directly)
//
// A FuncOperation has no internal mutable state after construction and is
// safe for concurrent use by multiple goroutines.
//
// The returned value can be any Go type that is JSON-serializable by the
// higher layer.
type FuncOperation struct {
	// Operation identifier (snake_case recommended)
	name string
	// Human-readable description shown to callers
	description string
	// JSON schema describing accepted arguments
	parameters map[string]any
	// User supplied implementation
	fn func(ctx context.Context, args map[string]any) (any, error)
	// Structured log sink
	logger logging.Logger
}

var _ Operation = (*FuncOperation)(nil)

// FuncOptions configure a FuncOperation.
type FuncOptions struct {
	Logger logging.Logger
}

// NewFuncOperation constructs a FuncOperation from explicit schema and function.
//
// Example:
//
//	sumOp := NewFuncOperation(
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
func NewFuncOperation(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FuncOptions),
) *FuncOperation {
	opts := FuncOptions{Logger: logging.NoOpLogger{}}
	for _, optFn := range optFns {
		optFn(&opts)
	}
	return &FuncOperation{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
		logger:      opts.Logger,
	}
}

// NewFuncOperationFromStruct derives the parameter schema from a struct using
// reflection. It is a convenience for simple argument containers and produces
// a schema equivalent to util.CreateSchema(structType).
func NewFuncOperationFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
	optFns ...func(o *FuncOptions),
) *FuncOperation {
	return NewFuncOperation(name, description, util.CreateSchema(structType), fn, optFns...)
}

// Name returns the unique operation name used in routing.
func (t *FuncOperation) Name() string { return t.name }

// Description returns the short natural language description exposed to callers.
func (t *FuncOperation) Description() string { return t.description }

// Parameters returns the (minimal) JSON schema describing expected arguments.
func (t *FuncOperation) Parameters() map[string]any { return t.parameters }

// Invoke validates the provided args against the declared schema then runs
// the underlying function. Validation or execution failures are wrapped (or
// passed through) as *OperationError for uniform downstream handling.
func (t *FuncOperation) Invoke(ctx context.Context, args map[string]any) (any, error) {
	start := time.Now()

	t.logger.Debug("op.invoke.start", "operation", t.name)

	if err := util.ValidateParameters(args, t.parameters); err != nil {
		t.logger.Warn("op.invoke.validation_failed", "operation", t.name, "error", err.Error())

		return nil, &OperationError{
			Operation: t.name,
			Message:   fmt.Sprintf("parameter validation failed: %v", err),
			Code:      "VALIDATION_ERROR",
			Details:   err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		if opErr, ok := err.(*OperationError); ok { // Already an OperationError -> just log and forward
			t.logger.Error("op.invoke.error", "operation", t.name, "error", opErr.Message)

			return nil, opErr
		}

		t.logger.Error("op.invoke.error", "operation", t.name, "error", err.Error())

		return nil, &OperationError{
			Operation: t.name,
			Message:   err.Error(),
			Code:      "EXECUTION_ERROR",
			cause:     err,
		}
	}

	t.logger.Info("op.invoke.success", "operation", t.name, "duration_ms", time.Since(start).Milliseconds())

	return result, nil
}
