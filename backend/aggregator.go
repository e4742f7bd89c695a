package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonwraymond/toolfoundation/model"
)

// ErrInvalidToolID is returned for malformed tool IDs.
var ErrInvalidToolID = errors.New("invalid tool ID format")

// Aggregator dispatches "namespace:member" tool IDs to the backend of the
// namespace. It satisfies run.Dispatcher.
type Aggregator struct {
	registry *Registry
}

// NewAggregator creates an aggregator over registry.
func NewAggregator(registry *Registry) *Aggregator {
	return &Aggregator{registry: registry}
}

// ListAllTools returns the tools of every enabled backend, ordered by
// namespace and then name.
func (a *Aggregator) ListAllTools(ctx context.Context) ([]model.Tool, error) {
	var all []model.Tool
	for _, b := range a.registry.ListEnabled() {
		tools, err := b.ListTools(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", b.Namespace(), err)
		}
		for i := range tools {
			if tools[i].Namespace == "" {
				tools[i].Namespace = b.Namespace()
			}
		}
		all = append(all, tools...)
	}
	return all, nil
}

// Execute invokes a member through its namespace backend. A panicking
// handler is reported as ErrHandlerPanic.
func (a *Aggregator) Execute(ctx context.Context, toolID string, args map[string]any) (out any, err error) {
	namespace, member, err := ParseToolID(toolID)
	if err != nil {
		return nil, err
	}

	b, ok := a.registry.Get(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, namespace)
	}
	if !b.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrBackendDisabled, namespace)
	}

	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %s: %v", ErrHandlerPanic, toolID, r)
		}
	}()
	return b.Execute(ctx, member, args)
}

// ParseToolID splits a tool ID into namespace and member. Both parts are
// required.
func ParseToolID(id string) (namespace, member string, err error) {
	namespace, member, err = model.ParseToolID(id)
	if err != nil || namespace == "" || member == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidToolID, id)
	}
	return namespace, member, nil
}

// FormatToolID builds a tool ID from namespace and member.
func FormatToolID(namespace, member string) string {
	if namespace == "" {
		return member
	}
	return namespace + ":" + member
}
