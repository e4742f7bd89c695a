// Package backend holds the host side of capabilities: the implementations
// guest calls are dispatched to after they pass the boundary checks.
//
// Each capability namespace ("notes", "types", ...) is served by one Backend.
// The Registry maps namespaces to backends and the Aggregator turns a tool ID
// such as "notes:search" into a call on the right backend:
//
//	registry := backend.NewRegistry()
//	_ = registry.Register(local.New("notes"))
//
//	agg := backend.NewAggregator(registry)
//	out, err := agg.Execute(ctx, "notes:search", map[string]any{"query": "todo"})
//
// The capability catalog owns a Registry and registers one local backend per
// declared namespace; most hosts never use this package directly.
package backend
