// Package local implements an in-process capability backend backed by Go
// handler functions.
package local

import (
	"context"
	"sort"
	"sync"

	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/jonwraymond/vaultscript/backend"
)

// HandlerFunc implements one capability member. args holds the validated
// arguments keyed by parameter name.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Def describes one member and its handler.
type Def struct {
	Name        string
	Title       string
	Description string
	InputSchema map[string]any
	Tags        []string
	Handler     HandlerFunc
}

// Backend serves one namespace from registered handlers.
type Backend struct {
	namespace string
	mu        sync.RWMutex
	enabled   bool
	handlers  map[string]Def
}

// New creates an enabled backend for namespace.
func New(namespace string) *Backend {
	return &Backend{
		namespace: namespace,
		enabled:   true,
		handlers:  make(map[string]Def),
	}
}

// Kind returns "local".
func (b *Backend) Kind() string {
	return "local"
}

func (b *Backend) Namespace() string {
	return b.namespace
}

func (b *Backend) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetEnabled enables or disables every member at once.
func (b *Backend) SetEnabled(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enabled
}

// RegisterHandler installs or replaces a member.
func (b *Backend) RegisterHandler(def Def) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[def.Name] = def
}

// ListTools returns the members as tools, sorted by name.
func (b *Backend) ListTools(_ context.Context) ([]model.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]model.Tool, 0, len(b.handlers))
	for _, def := range b.handlers {
		out = append(out, model.Tool{
			Tool: mcp.Tool{
				Name:        def.Name,
				Title:       def.Title,
				Description: def.Description,
				InputSchema: def.InputSchema,
			},
			Namespace: b.namespace,
			Tags:      model.NormalizeTags(def.Tags),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Execute calls the handler of member.
func (b *Backend) Execute(ctx context.Context, member string, args map[string]any) (any, error) {
	b.mu.RLock()
	enabled := b.enabled
	def, ok := b.handlers[member]
	b.mu.RUnlock()

	if !enabled {
		return nil, backend.ErrBackendDisabled
	}
	if !ok || def.Handler == nil {
		return nil, backend.ErrMemberNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return def.Handler(ctx, args)
}
