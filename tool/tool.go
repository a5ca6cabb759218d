// Package tool implements the operation registry that exposes the proxy's
// capabilities (asking models, clearing sessions, inspecting the catalog and
// server state) as named operations with schema validated arguments,
// consistent error handling and metadata for discovery.
package tool

import (
	"context"
	"fmt"

	"github.com/poemux/poemux/internal/util"
)

// Operation is one named capability callable through the boundary surfaces
// (HTTP, CLI).
//
// Operation implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe if used concurrently
//   - Follow consistent naming conventions (snake_case recommended)
type Operation interface {
	// Name returns the unique identifier for this operation.
	Name() string

	// Description returns a human-readable description of what this
	// operation does, surfaced to callers listing the registry.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Invoke executes the operation with already-decoded arguments.
	// Arguments are validated against the operation's schema before the
	// implementation runs.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// OperationError represents errors that occur during operation execution.
type OperationError struct {
	Operation string `json:"operation"`         // Name of the operation that failed
	Message   string `json:"message"`           // Error message
	Code      string `json:"code"`              // Error code for categorization
	Details   any    `json:"details,omitempty"` // Additional error details

	cause error // underlying failure, kept for classification
}

func (e *OperationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("operation error [%s] in %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("operation error in %s: %s", e.Operation, e.Message)
}

// Unwrap exposes the underlying failure so the error taxonomy stays visible
// through the operation layer.
func (e *OperationError) Unwrap() error { return e.cause }

// NewOperationError creates a new OperationError with the specified details.
func NewOperationError(operation, message, code string) *OperationError {
	return &OperationError{
		Operation: operation,
		Message:   message,
		Code:      code,
	}
}
