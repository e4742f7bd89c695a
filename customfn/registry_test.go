package customfn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/compiler"
)

func noop(_ context.Context, args map[string]any) (any, error) { return args, nil }

func testCatalog(t *testing.T) *capability.Catalog {
	t.Helper()
	c := capability.NewCatalog()
	require.NoError(t, c.RegisterType("Item", "{ id: string; label: string }"))
	require.NoError(t, c.Register(capability.Declaration{
		Namespace: "items",
		Name:      "get",
		Params:    []capability.Param{{Name: "id", Type: "string"}},
		Returns:   "Item | null",
		Handler:   noop,
	}))
	return c
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newTestRegistry(t *testing.T) (*Registry, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(store, WithCatalog(testCatalog(t)), WithClock(c.now)), store
}

func labelDef() Definition {
	return Definition{
		Name:        "label",
		Description: "Label of an item",
		Parameters:  []Parameter{{Name: "id", Type: "string"}},
		ReturnType:  "string",
		Code:        "const item = await items.get(id);\nreturn item ? item.label : \"\";",
		Tags:        []string{"Items", " items ", "read"},
	}
}

func TestRegistry_UpsertCreatesAndBumpsVersion(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.Upsert(ctx, labelDef())
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, []string{"items", "read"}, first.Tags)
	assert.Equal(t, first.CreatedAt, first.UpdatedAt)

	require.NoError(t, r.RecordUsage(ctx, []string{"label", "gone"}))

	def := labelDef()
	def.Description = "Updated"
	second, err := r.Upsert(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Version)
	assert.Equal(t, 1, second.UsageCount)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	require.NotNil(t, second.LastUsedAt)

	got, err := r.Get(ctx, "label")
	require.NoError(t, err)
	assert.Equal(t, "Updated", got.Description)
}

func TestRegistry_UpsertRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Definition)
		want error
	}{
		{"empty name", func(d *Definition) { d.Name = " " }, ErrInvalidDefinition},
		{"bad identifier", func(d *Definition) { d.Name = "two words" }, ErrInvalidDefinition},
		{"keyword", func(d *Definition) { d.Name = "delete" }, ErrInvalidDefinition},
		{"management member", func(d *Definition) { d.Name = "list" }, ErrNameCollision},
		{"functions namespace", func(d *Definition) { d.Name = "functions" }, ErrNameCollision},
		{"context global", func(d *Definition) { d.Name = "context" }, ErrNameCollision},
		{"entry point", func(d *Definition) { d.Name = "main" }, ErrNameCollision},
		{"capability namespace", func(d *Definition) { d.Name = "items" }, ErrNameCollision},
		{"no code", func(d *Definition) { d.Code = "\n" }, ErrInvalidDefinition},
		{"duplicate parameter", func(d *Definition) {
			d.Parameters = append(d.Parameters, Parameter{Name: "id", Type: "number"})
		}, ErrInvalidDefinition},
		{"bad parameter type", func(d *Definition) { d.Parameters[0].Type = "Promise<" }, ErrInvalidDefinition},
		{"required after optional", func(d *Definition) {
			d.Parameters = []Parameter{{Name: "a", Type: "string", Optional: true}, {Name: "b", Type: "string"}}
		}, ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestRegistry(t)
			def := labelDef()
			tt.edit(&def)
			_, err := r.Upsert(context.Background(), def)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			defs, err := store.LoadAll(context.Background(), capability.DefaultScope)
			require.NoError(t, err)
			assert.Empty(t, defs)
		})
	}
}

func TestRegistry_TypeErrorsReportBodyLines(t *testing.T) {
	r, _ := newTestRegistry(t)
	def := labelDef()
	def.Code = "const n = 1;\nreturn await items.get(42);"

	_, err := r.Upsert(context.Background(), def)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "err = %v", err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	require.NotEmpty(t, verr.Diagnostics)
	d := verr.Diagnostics[0]
	assert.Equal(t, compiler.CodeArgumentType, d.Code)
	assert.Equal(t, 2, d.Line)
	assert.Contains(t, err.Error(), "label")
}

func TestRegistry_FunctionsMayCallEachOther(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Upsert(ctx, labelDef())
	require.NoError(t, err)

	_, err = r.Upsert(ctx, Definition{
		Name:       "shout",
		Parameters: []Parameter{{Name: "id", Type: "string"}},
		ReturnType: "string",
		Code:       "const l = await functions.label(id);\nreturn l.toUpperCase();",
	})
	require.NoError(t, err)

	_, err = r.Upsert(ctx, Definition{
		Name: "broken",
		Code: "return await functions.label(1);",
	})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestRegistry_NormalizesUnicodeNames(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	def := labelDef()
	def.Name = "  résumé "
	saved, err := r.Upsert(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, "résumé", saved.Name)

	got, err := r.Get(ctx, "résumé")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)
}

func TestRegistry_ListAndRemove(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha"} {
		def := labelDef()
		def.Name = name
		_, err := r.Upsert(ctx, def)
		require.NoError(t, err)
	}

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "alpha(id: string): Promise<string>", list[0].Signature)

	removed, err := r.Remove(ctx, "alpha")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = r.Remove(ctx, "alpha")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = r.Get(ctx, "alpha")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_ScopesAreIsolated(t *testing.T) {
	r, _ := newTestRegistry(t)
	work := capability.WithScope(context.Background(), "work")
	_, err := r.Upsert(work, labelDef())
	require.NoError(t, err)

	list, err := r.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = r.List(work)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistry_DeclarationsAndPrelude(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	prelude, names, err := r.Prelude(ctx)
	require.NoError(t, err)
	assert.Empty(t, prelude)
	assert.Empty(t, names)

	_, err = r.Upsert(ctx, labelDef())
	require.NoError(t, err)

	decls, err := r.Declarations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"label", "list", "remove"}, decls.MemberNames(capability.ReservedNamespace))
	_, ok := decls.Resolve("FunctionSummary")
	assert.True(t, ok)

	prelude, names, err = r.Prelude(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"label"}, names)
	assert.True(t, strings.HasPrefix(prelude, "({\n\"label\": async function label(id: string): Promise<string> {\n"))

	res := compiler.Compile(prelude, nil, compiler.Options{})
	require.False(t, res.HasErrors(), "%v", res.Diagnostics)
	assert.NotEmpty(t, res.Code)
}

func TestRegistry_Members(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.Upsert(ctx, labelDef())
	require.NoError(t, err)

	members := r.Members()
	require.Len(t, members, 2)
	assert.Equal(t, ListMember, members[0].Name)

	out, err := members[0].Call(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	out, err = members[1].Call(ctx, map[string]any{"name": "label"})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	_, err = members[1].Call(ctx, map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}
