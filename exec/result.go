package exec

import "time"

// Result represents the outcome of a single direct capability call.
type Result struct {
	// Value is the return value of the capability.
	Value any

	// Capability is the qualified name of the called capability.
	Capability string

	// Duration is how long the capability took to execute.
	Duration time.Duration

	// Error is non-nil if the call failed.
	Error error
}

// OK returns true if the result has no error.
func (r Result) OK() bool {
	return r.Error == nil
}
