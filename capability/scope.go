package capability

import "context"

// DefaultScope is used when a request does not name a vault scope.
const DefaultScope = "default"

type scopeKey struct{}

// WithScope attaches the vault scope of an evaluation to ctx. Capability
// handlers use it to address the right vault.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFromContext returns the vault scope attached to ctx, or DefaultScope.
func ScopeFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(scopeKey{}).(string); ok && s != "" {
		return s
	}
	return DefaultScope
}
