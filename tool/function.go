package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/converse/internal/util"
)

// FunctionCapability is a generic adapter exposing a plain Go function as a
// Capability. Arguments are validated against the declared schema before the
// function runs; failures are normalized to *CapabilityError so downstream
// handling stays uniform:
//
//	*CapabilityError (returned directly) -> forwarded unchanged
//	validation failure                   -> VALIDATION_ERROR
//	other error                          -> EXECUTION_ERROR
//
// A FunctionCapability has no mutable state after construction and is safe
// for concurrent use.
type FunctionCapability struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (any, error)
}

// NewFunctionCapability constructs a FunctionCapability from explicit schema
// and function.
func NewFunctionCapability(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionCapability {
	return &FunctionCapability{name: name, description: description, parameters: parameters, fn: fn}
}

// NewFunctionCapabilityFromStruct derives the argument schema from a struct
// via reflection, equivalent to util.CreateSchema(structType).
//
// Example:
//
//	type WeatherArgs struct {
//	  City string `json:"city" description:"City to look up"`
//	}
//
//	weather := NewFunctionCapabilityFromStruct(
//	  "get_weather",
//	  "Look up current weather for a city",
//	  WeatherArgs{},
//	  func(ctx context.Context, args map[string]any) (any, error) { ... },
//	)
func NewFunctionCapabilityFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, args map[string]any) (any, error),
) *FunctionCapability {
	return NewFunctionCapability(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique capability name used in tool declarations and routing.
func (c *FunctionCapability) Name() string { return c.name }

// Description returns the natural language description exposed to models.
func (c *FunctionCapability) Description() string { return c.description }

// Parameters returns the JSON schema describing expected arguments.
func (c *FunctionCapability) Parameters() map[string]any { return c.parameters }

// Call validates args against the declared schema then invokes the wrapped
// function.
func (c *FunctionCapability) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, c.parameters); err != nil {
		return nil, &CapabilityError{
			Capability: c.name,
			Message:    fmt.Sprintf("argument validation failed: %v", err),
			Code:       "VALIDATION_ERROR",
			Details:    err,
		}
	}

	result, err := c.fn(ctx, args)
	if err != nil {
		if capErr, ok := err.(*CapabilityError); ok {
			return nil, capErr
		}
		return nil, &CapabilityError{Capability: c.name, Message: err.Error(), Code: "EXECUTION_ERROR"}
	}
	return result, nil
}
