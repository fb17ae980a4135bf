// Package tool implements the capability subsystem: external, named,
// schema-described functions the model may invoke mid-generation. The engine
// owns only the enabled/disabled set and the per-call timeout; capability
// internals belong to the caller supplying them.
package tool

import (
	"context"
	"fmt"
)

// Capability is the contract for an external function exposed to the model.
//
// Implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for arguments
//   - Honor context cancellation; the engine enforces a per-call timeout
//   - Be safe for concurrent use
type Capability interface {
	// Name returns the unique identifier for this capability.
	Name() string

	// Description returns a human-readable description provided to the model
	// so it understands when and how to invoke the capability.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the capability with already-parsed arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// CapabilityError represents errors raised during capability execution.
type CapabilityError struct {
	Capability string `json:"capability"`
	Message    string `json:"message"`
	Code       string `json:"code"` // VALIDATION_ERROR, EXECUTION_ERROR, TIMEOUT, DISABLED, UNKNOWN
	Details    any    `json:"details,omitempty"`
}

func (e *CapabilityError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("capability error [%s] in %s: %s", e.Code, e.Capability, e.Message)
	}
	return fmt.Sprintf("capability error in %s: %s", e.Capability, e.Message)
}

// NewCapabilityError creates a new CapabilityError with the specified details.
func NewCapabilityError(capability, message, code string) *CapabilityError {
	return &CapabilityError{Capability: capability, Message: message, Code: code}
}
