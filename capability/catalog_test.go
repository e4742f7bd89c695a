package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jonwraymond/tooldiscovery/tooldoc"

	"github.com/jonwraymond/vaultscript/backend/local"
	"github.com/jonwraymond/vaultscript/compiler"
)

func echoHandler(_ context.Context, args map[string]any) (any, error) {
	return args, nil
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	if err := c.RegisterType("Item", "{ id: string; label: string }"); err != nil {
		t.Fatalf("RegisterType() error = %v", err)
	}
	decls := []Declaration{
		{
			Namespace:   "items",
			Name:        "get",
			Description: "Fetch an item by id",
			Params:      []Param{{Name: "id", Type: "string"}},
			Returns:     "Item | null",
			Handler:     echoHandler,
		},
		{
			Namespace:   "items",
			Name:        "find",
			Description: "Search items by label",
			Params:      []Param{{Name: "query", Type: "string"}, {Name: "limit", Type: "number", Optional: true}},
			Returns:     "Item[]",
			Tags:        []string{"search"},
			Handler:     echoHandler,
		},
		{
			Namespace:   "clock",
			Name:        "now",
			Description: "Current time as an ISO string",
			Returns:     "string",
			Handler:     echoHandler,
		},
	}
	for _, d := range decls {
		if err := c.Register(d); err != nil {
			t.Fatalf("Register(%s) error = %v", d.QualifiedName(), err)
		}
	}
	return c
}

func TestCatalog_RegisterAndLookup(t *testing.T) {
	c := testCatalog(t)

	d, ok := c.Lookup("items.get")
	if !ok {
		t.Fatal("Lookup(items.get) not found")
	}
	if d.ToolID() != "items:get" {
		t.Errorf("ToolID() = %q, want %q", d.ToolID(), "items:get")
	}
	if got := strings.Join(c.Names(), ","); got != "clock.now,items.find,items.get" {
		t.Errorf("Names() = %q", got)
	}
	if got := strings.Join(c.Namespaces(), ","); got != "clock,items" {
		t.Errorf("Namespaces() = %q", got)
	}
}

func TestCatalog_RegisterRejectsInvalid(t *testing.T) {
	c := NewCatalog()
	tests := []struct {
		name string
		decl Declaration
		want error
	}{
		{"bad namespace", Declaration{Namespace: "a-b", Name: "x", Handler: echoHandler}, ErrInvalidDeclaration},
		{"reserved namespace", Declaration{Namespace: ReservedNamespace, Name: "x", Handler: echoHandler}, ErrInvalidDeclaration},
		{"no handler", Declaration{Namespace: "a", Name: "x"}, ErrInvalidDeclaration},
		{"bad type", Declaration{Namespace: "a", Name: "x", Params: []Param{{Name: "p", Type: "Promise<>"}}, Handler: echoHandler}, ErrInvalidDeclaration},
		{"required after optional", Declaration{Namespace: "a", Name: "x", Params: []Param{{Name: "p", Type: "string", Optional: true}, {Name: "q", Type: "string"}}, Handler: echoHandler}, ErrInvalidDeclaration},
		{"duplicate param", Declaration{Namespace: "a", Name: "x", Params: []Param{{Name: "p", Type: "string"}, {Name: "p", Type: "string"}}, Handler: echoHandler}, ErrInvalidDeclaration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Register(tt.decl); !errors.Is(err, tt.want) {
				t.Errorf("Register() error = %v, want %v", err, tt.want)
			}
		})
	}

	ok := Declaration{Namespace: "a", Name: "x", Handler: echoHandler}
	if err := c.Register(ok); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := c.Register(ok); !errors.Is(err, ErrDuplicateDeclaration) {
		t.Errorf("Register() duplicate error = %v, want ErrDuplicateDeclaration", err)
	}
}

func TestCatalog_ResolveAllowList(t *testing.T) {
	c := testCatalog(t)
	tests := []struct {
		name  string
		allow []string
		want  string
		err   error
	}{
		{name: "empty denies everything", allow: nil, want: ""},
		{name: "single member", allow: []string{"items.get"}, want: "items.get"},
		{name: "namespace wildcard", allow: []string{"items.*"}, want: "items.find,items.get"},
		{name: "everything", allow: []string{"*"}, want: "clock.now,items.find,items.get"},
		{name: "duplicates collapse", allow: []string{"items.get", " items.get "}, want: "items.get"},
		{name: "unknown member", allow: []string{"items.delete"}, err: ErrUndeclaredCapability},
		{name: "unknown namespace", allow: []string{"forbidden.*"}, err: ErrUndeclaredCapability},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set, err := c.Resolve(tt.allow)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			names := make([]string, 0)
			for _, d := range set.List() {
				names = append(names, d.QualifiedName())
			}
			if got := strings.Join(names, ","); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeclarationSet_CompilerDeclarations(t *testing.T) {
	c := testCatalog(t)
	set, err := c.Resolve([]string{"items.get"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	decls := set.Declarations()

	sig, nsOK, ok := decls.Lookup("items", "get")
	if !nsOK || !ok {
		t.Fatal("items.get missing from compiler declarations")
	}
	if got := sig.Returns.String(); got != "Promise<Item | null>" {
		t.Errorf("Returns = %q", got)
	}
	if _, _, ok := decls.Lookup("items", "find"); ok {
		t.Error("items.find must not be declared when not allowed")
	}
	if _, ok := decls.Resolve("Item"); !ok {
		t.Error("named type Item not declared")
	}

	res := compiler.Compile(`async function main() { const it = await items.get(1); return it; }`, decls, compiler.Options{Mode: compiler.ModeCheckOnly})
	if !res.HasErrors() {
		t.Error("expected a type error for number argument")
	}
}

func TestDeclarationSet_TypeDeclarations(t *testing.T) {
	c := testCatalog(t)
	set, _ := c.Resolve([]string{"*"})
	dts := set.TypeDeclarations()
	for _, want := range []string{
		"type Item = { id: string; label: string };",
		"declare namespace items {",
		"function find(query: string, limit?: number): Promise<Item[]>;",
		"function get(id: string): Promise<Item | null>;",
		"declare namespace clock {",
		"function now(): Promise<string>;",
		"/** Fetch an item by id */",
	} {
		if !strings.Contains(dts, want) {
			t.Errorf("TypeDeclarations() missing %q:\n%s", want, dts)
		}
	}
}

func TestCatalog_SearchAndDescribe(t *testing.T) {
	c := testCatalog(t)

	results, err := c.Search("search items", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	found := false
	for _, r := range results {
		if r.ID == "items:find" {
			found = true
		}
	}
	if !found {
		t.Errorf("Search() = %v, want items:find", results)
	}

	doc, err := c.Describe("items.get", tooldoc.DetailFull)
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if doc.Summary != "Fetch an item by id" {
		t.Errorf("Summary = %q", doc.Summary)
	}
	if doc.Tool == nil || doc.Tool.Name != "get" {
		t.Errorf("Tool = %v", doc.Tool)
	}
}

func TestCatalog_DispatchThroughAggregator(t *testing.T) {
	c := testCatalog(t)
	out, err := c.Aggregator().Execute(context.Background(), "items:get", map[string]any{"id": "a"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["id"] != "a" {
		t.Errorf("Execute() = %v", out)
	}
}

func TestCatalog_Verify(t *testing.T) {
	c := testCatalog(t)
	if err := c.Verify(context.Background()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	// A handler installed behind the catalog's back has no declaration.
	c.locals["items"].RegisterHandler(local.Def{Name: "drop", Handler: echoHandler})
	err := c.Verify(context.Background())
	if !errors.Is(err, ErrUnmatchedCapability) {
		t.Fatalf("Verify() error = %v, want ErrUnmatchedCapability", err)
	}
	if !strings.Contains(err.Error(), "items.drop") {
		t.Errorf("Verify() error = %v, want mention of items.drop", err)
	}

	// A declaration whose backend is switched off.
	c.locals["clock"].SetEnabled(false)
	err = c.Verify(context.Background())
	if err == nil || !strings.Contains(err.Error(), "clock.now is declared but not implemented") {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestInputSchema(t *testing.T) {
	c := testCatalog(t)
	d, _ := c.Lookup("items.find")
	sig, err := d.Signature()
	if err != nil {
		t.Fatalf("Signature() error = %v", err)
	}
	schema := InputSchema(sig, d.ParamNames(), nil)
	props := schema["properties"].(map[string]any)
	if props["query"].(map[string]any)["type"] != "string" {
		t.Errorf("query schema = %v", props["query"])
	}
	required := schema["required"].([]any)
	if len(required) != 1 || required[0] != "query" {
		t.Errorf("required = %v, want [query]", required)
	}
}

func TestScope(t *testing.T) {
	ctx := context.Background()
	if got := ScopeFromContext(ctx); got != DefaultScope {
		t.Errorf("ScopeFromContext() = %q, want %q", got, DefaultScope)
	}
	if got := ScopeFromContext(WithScope(ctx, "work")); got != "work" {
		t.Errorf("ScopeFromContext() = %q, want work", got)
	}
}
