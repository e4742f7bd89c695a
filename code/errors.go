package code

import (
	"errors"
	"fmt"

	"github.com/jonwraymond/vaultscript/compiler"
)

// Sentinel errors for error classification.
var (
	// ErrCodeExecution matches every evaluation failure.
	ErrCodeExecution = errors.New("code execution error")

	// ErrConfiguration indicates an invalid or incomplete configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrLimitExceeded indicates that an execution limit was reached,
	// such as the timeout or the maximum number of capability calls.
	ErrLimitExceeded = errors.New("limit exceeded")

	ErrCompilation   = errors.New("compilation failed")
	ErrSecurity      = errors.New("security violation")
	ErrRuntime       = errors.New("runtime error")
	ErrTimeout       = errors.New("evaluation timed out")
	ErrSerialization = errors.New("serialization error")
)

// Kind classifies an evaluation failure.
type Kind string

const (
	KindCompile       Kind = "CompileError"
	KindSecurity      Kind = "SecurityViolation"
	KindRuntime       Kind = "RuntimeError"
	KindTimeout       Kind = "TimeoutError"
	KindSerialization Kind = "SerializationError"
)

var kindSentinels = map[Kind]error{
	KindCompile:       ErrCompilation,
	KindSecurity:      ErrSecurity,
	KindRuntime:       ErrRuntime,
	KindTimeout:       ErrTimeout,
	KindSerialization: ErrSerialization,
}

// CodeError is a classified evaluation failure. It includes optional source
// location information for debugging.
type CodeError struct {
	Kind Kind

	// Message describes the error. Never empty.
	Message string

	// Line is the 1-based line number where the error occurred.
	// Zero indicates the line is unknown.
	Line int

	// Column is the 1-based column number where the error occurred.
	// Zero indicates the column is unknown.
	Column int

	// Diagnostics are the compiler errors of a KindCompile failure.
	Diagnostics []compiler.Diagnostic

	// Pending is the number of operations still in flight at a timeout.
	Pending int

	// Err is the underlying error, if any.
	Err error
}

// Error returns the error message, including line and column if available.
func (e *CodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s: %s (line %d, col %d)", e.Kind, e.Message, e.Line, e.Column)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *CodeError) Unwrap() error {
	return e.Err
}

// Is reports whether this error matches the target. Every CodeError matches
// ErrCodeExecution and the sentinel of its kind; timeouts also match
// ErrLimitExceeded.
func (e *CodeError) Is(target error) bool {
	if target == ErrCodeExecution || target == kindSentinels[e.Kind] {
		return true
	}
	return e.Kind == KindTimeout && target == ErrLimitExceeded
}
