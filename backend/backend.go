package backend

import (
	"context"
	"errors"

	"github.com/jonwraymond/toolfoundation/model"
)

// Common errors for backend operations.
var (
	ErrBackendNotFound = errors.New("no backend for namespace")
	ErrBackendDisabled = errors.New("backend disabled")
	ErrMemberNotFound  = errors.New("member not implemented by backend")
	ErrHandlerPanic    = errors.New("capability handler panicked")
)

// Backend implements the members of one capability namespace.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: Execute must honor cancellation/deadlines; the context carries
//   the vault scope of the calling evaluation.
// - Errors: use ErrBackendDisabled/ErrMemberNotFound where applicable.
// - ListTools returns tools sorted by name, with Namespace set.
type Backend interface {
	// Kind returns the backend type, e.g. "local".
	Kind() string

	// Namespace returns the capability namespace this backend serves.
	Namespace() string

	// Enabled reports whether calls are currently accepted.
	Enabled() bool

	// ListTools returns the implemented members as tools.
	ListTools(ctx context.Context) ([]model.Tool, error)

	// Execute invokes a member with validated, named arguments.
	Execute(ctx context.Context, member string, args map[string]any) (any, error)
}
