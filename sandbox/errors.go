package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrSecurityViolation indicates guest code reached for something that
	// is not installed in its sandbox.
	ErrSecurityViolation = errors.New("security violation")

	// ErrSerialization indicates a value could not cross the boundary.
	ErrSerialization = errors.New("serialization error")

	// ErrClosed is returned by operations on a disposed sandbox.
	ErrClosed = errors.New("sandbox closed")
)

// SecurityViolation describes a denied access. It is raised by interrupting
// the runtime, so guest code cannot catch it.
type SecurityViolation struct {
	// Name is the global or member that was accessed, e.g. "forbidden" or
	// "notes.purge".
	Name string

	// Access is "read" or "write".
	Access string

	// Reason is a short human-readable explanation.
	Reason string
}

func (e *SecurityViolation) Error() string {
	msg := fmt.Sprintf("security violation: %s of %q denied", e.Access, e.Name)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is reports whether target is ErrSecurityViolation.
func (e *SecurityViolation) Is(target error) bool {
	return target == ErrSecurityViolation
}

// SerializationError reports a value that cannot be represented on the other
// side of the boundary.
type SerializationError struct {
	// Path locates the value, e.g. "$.items[3].owner".
	Path string

	// Reason explains what was wrong with it.
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot serialize value at %s: %s", e.Path, e.Reason)
}

// Is reports whether target is ErrSerialization.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}

// ErrorMessage returns a non-empty message for any error, however it was
// constructed.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T with empty message", err)
}
