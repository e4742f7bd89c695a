package run

import (
	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/toolfoundation/model"
)

// Config controls resolution, validation, and dispatch behavior.
type Config struct {
	// Resolution

	// Index is the capability registry for lookup.
	Index index.Index

	// ToolResolver is a fallback function to resolve tools when Index is not
	// configured or does not know the tool.
	ToolResolver func(id string) (*model.Tool, error)

	// Validation

	// Validator validates arguments against the tool's JSON Schema.
	// Defaults to a jsonschema-go backed SchemaValidator.
	Validator Validator

	// ValidateInput enables argument validation before dispatch.
	// Defaults to true.
	ValidateInput bool

	// Dispatch

	// Dispatcher executes a resolved tool. Typically a *backend.Aggregator.
	Dispatcher Dispatcher
}

// applyDefaults sets default values for unset Config fields.
func (c *Config) applyDefaults() {
	if c.Validator == nil {
		c.Validator = NewSchemaValidator()
	}
}

// ConfigOption is a functional option for configuring a Runner.
type ConfigOption func(*Config)

// WithIndex sets the tool index for resolution.
func WithIndex(idx index.Index) ConfigOption {
	return func(c *Config) {
		c.Index = idx
	}
}

// WithValidator sets a custom schema validator.
func WithValidator(v Validator) ConfigOption {
	return func(c *Config) {
		c.Validator = v
	}
}

// WithValidation sets whether to validate arguments.
func WithValidation(input bool) ConfigOption {
	return func(c *Config) {
		c.ValidateInput = input
	}
}

// WithDispatcher sets the executor for resolved tools.
func WithDispatcher(d Dispatcher) ConfigOption {
	return func(c *Config) {
		c.Dispatcher = d
	}
}

// WithToolResolver sets a fallback tool resolver function.
func WithToolResolver(resolver func(id string) (*model.Tool, error)) ConfigOption {
	return func(c *Config) {
		c.ToolResolver = resolver
	}
}
