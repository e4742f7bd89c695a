package backend

import (
	"context"

	"github.com/jonwraymond/toolfoundation/model"
)

type mockBackend struct {
	kind      string
	namespace string
	enabled   bool
	tools     []model.Tool
	execFn    func(ctx context.Context, member string, args map[string]any) (any, error)
}

var _ Backend = (*mockBackend)(nil)

func (m *mockBackend) Kind() string      { return m.kind }
func (m *mockBackend) Namespace() string { return m.namespace }
func (m *mockBackend) Enabled() bool     { return m.enabled }

func (m *mockBackend) ListTools(_ context.Context) ([]model.Tool, error) {
	return append([]model.Tool(nil), m.tools...), nil
}

func (m *mockBackend) Execute(ctx context.Context, member string, args map[string]any) (any, error) {
	if m.execFn != nil {
		return m.execFn(ctx, member, args)
	}
	return nil, ErrMemberNotFound
}
