package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/tooldiscovery/search"
	"github.com/jonwraymond/tooldiscovery/tooldoc"
	"github.com/jonwraymond/toolfoundation/model"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jonwraymond/vaultscript/backend"
	"github.com/jonwraymond/vaultscript/backend/local"
	"github.com/jonwraymond/vaultscript/compiler"
)

type entry struct {
	decl   Declaration
	sig    compiler.Signature
	schema map[string]any
}

// Catalog is the single source of truth for host capabilities. Registering a
// declaration records its signature, indexes it for discovery, documents it
// and installs its handler in a local backend, so the compile-time and
// runtime views cannot drift apart.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Named types must be registered before declarations that refer to them.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	types     map[string]*compiler.Type
	typeText  map[string]string
	typeOrder []string

	index    index.Index
	docs     *tooldoc.InMemoryStore
	backends *backend.Registry
	locals   map[string]*local.Backend
	agg      *backend.Aggregator
}

// NewCatalog creates an empty catalog with a BM25-backed discovery index.
func NewCatalog() *Catalog {
	idx := index.NewInMemoryIndex(index.IndexOptions{
		Searcher: search.NewBM25Searcher(search.BM25Config{}),
	})
	reg := backend.NewRegistry()
	return &Catalog{
		entries:  make(map[string]*entry),
		types:    make(map[string]*compiler.Type),
		typeText: make(map[string]string),
		index:    idx,
		docs:     tooldoc.NewInMemoryStore(tooldoc.StoreOptions{Index: idx}),
		backends: reg,
		locals:   make(map[string]*local.Backend),
		agg:      backend.NewAggregator(reg),
	}
}

// RegisterType declares a named type, e.g. RegisterType("Note", "{ id: string }").
func (c *Catalog) RegisterType(name, expr string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: type name %q", ErrInvalidDeclaration, name)
	}
	t, err := compiler.ParseType(expr)
	if err != nil {
		return fmt.Errorf("%w: type %s: %v", ErrInvalidDeclaration, name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.types[name]; !ok {
		c.typeOrder = append(c.typeOrder, name)
	}
	c.types[name] = t
	c.typeText[name] = expr
	return nil
}

// Register adds a declaration and its implementation.
func (c *Catalog) Register(d Declaration) error {
	if err := d.validate(); err != nil {
		return err
	}
	sig, err := d.Signature()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := d.QualifiedName()
	if _, exists := c.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDeclaration, name)
	}

	schema := InputSchema(sig, d.ParamNames(), c.resolveLocked)
	title := cases.Title(language.English).String(d.Namespace + " " + d.Name)
	tags := model.NormalizeTags(append([]string{d.Namespace}, d.Tags...))

	tool := model.Tool{
		Tool: mcp.Tool{
			Name:        d.Name,
			Title:       title,
			Description: d.Description,
			InputSchema: schema,
		},
		Namespace: d.Namespace,
		Tags:      tags,
	}
	if err := c.index.RegisterTool(tool, model.NewLocalBackend(d.Namespace)); err != nil {
		return fmt.Errorf("index %s: %w", name, err)
	}
	if err := c.docs.RegisterDoc(d.ToolID(), tooldoc.DocEntry{
		Summary:  d.Description,
		Notes:    d.TypeScript(),
		Examples: d.Examples,
	}); err != nil {
		return fmt.Errorf("document %s: %w", name, err)
	}

	b, err := c.localLocked(d.Namespace)
	if err != nil {
		return err
	}
	b.RegisterHandler(local.Def{
		Name:        d.Name,
		Title:       title,
		Description: d.Description,
		InputSchema: schema,
		Tags:        tags,
		Handler:     d.Handler,
	})

	c.entries[name] = &entry{decl: d, sig: sig, schema: schema}
	return nil
}

func (c *Catalog) localLocked(namespace string) (*local.Backend, error) {
	if b, ok := c.locals[namespace]; ok {
		return b, nil
	}
	b := local.New(namespace)
	if err := c.backends.Register(b); err != nil {
		return nil, err
	}
	c.locals[namespace] = b
	return b, nil
}

func (c *Catalog) resolveLocked(name string) (*compiler.Type, bool) {
	t, ok := c.types[name]
	return t, ok
}

// Lookup returns the declaration for a qualified name such as "notes.get".
func (c *Catalog) Lookup(name string) (Declaration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	if !ok {
		return Declaration{}, false
	}
	return e.decl, true
}

// Names returns all qualified names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Namespaces returns all namespaces with at least one declaration, sorted.
func (c *Catalog) Namespaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.locals))
	for ns := range c.locals {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Resolve turns an allow-list into the set of declarations a program may use.
// Entries are "ns.name", "ns.*" or "*". Anything that does not match a
// declaration fails closed.
func (c *Catalog) Resolve(allow []string) (*DeclarationSet, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	picked := make(map[string]*entry)
	for _, raw := range allow {
		item := strings.TrimSpace(raw)
		switch {
		case item == "*":
			for name, e := range c.entries {
				picked[name] = e
			}
		case strings.HasSuffix(item, ".*"):
			ns := strings.TrimSuffix(item, ".*")
			if _, ok := c.locals[ns]; !ok {
				return nil, fmt.Errorf("%w: namespace %q", ErrUndeclaredCapability, ns)
			}
			for name, e := range c.entries {
				if e.decl.Namespace == ns {
					picked[name] = e
				}
			}
		default:
			e, ok := c.entries[item]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUndeclaredCapability, item)
			}
			picked[item] = e
		}
	}

	set := &DeclarationSet{
		types:     make(map[string]*compiler.Type, len(c.types)),
		typeText:  make(map[string]string, len(c.typeText)),
		typeOrder: append([]string(nil), c.typeOrder...),
	}
	for name, t := range c.types {
		set.types[name] = t
		set.typeText[name] = c.typeText[name]
	}
	for _, e := range picked {
		set.entries = append(set.entries, e)
	}
	sort.Slice(set.entries, func(i, j int) bool {
		return set.entries[i].decl.QualifiedName() < set.entries[j].decl.QualifiedName()
	})
	return set, nil
}

// Search queries the discovery index.
func (c *Catalog) Search(query string, limit int) ([]index.Summary, error) {
	return c.index.Search(query, limit)
}

// Describe returns documentation for a qualified name or tool ID.
func (c *Catalog) Describe(name string, level tooldoc.DetailLevel) (tooldoc.ToolDoc, error) {
	return c.docs.DescribeTool(toToolID(name), level)
}

// Examples returns up to limit usage examples for a capability.
func (c *Catalog) Examples(name string, limit int) ([]tooldoc.ToolExample, error) {
	return c.docs.ListExamples(toToolID(name), limit)
}

func toToolID(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	if ns, member, ok := strings.Cut(name, "."); ok {
		return backend.FormatToolID(ns, member)
	}
	return name
}

// Verify checks that every implementation has a declaration and every
// declaration has an implementation and an index entry.
func (c *Catalog) Verify(ctx context.Context) error {
	tools, err := c.agg.ListAllTools(ctx)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	implemented := make(map[string]bool, len(tools))
	for _, t := range tools {
		name := t.Namespace + "." + t.Name
		implemented[name] = true
		if _, ok := c.entries[name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s is implemented but not declared", ErrUnmatchedCapability, name))
		}
	}
	for _, name := range sortedKeys(c.entries) {
		e := c.entries[name]
		if !implemented[name] {
			errs = append(errs, fmt.Errorf("%w: %s is declared but not implemented", ErrUnmatchedCapability, name))
			continue
		}
		if _, _, err := c.index.GetTool(e.decl.ToolID()); err != nil {
			errs = append(errs, fmt.Errorf("%w: %s is not indexed: %v", ErrUnmatchedCapability, name, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]*entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Index returns the discovery index.
func (c *Catalog) Index() index.Index {
	return c.index
}

// Docs returns the documentation store.
func (c *Catalog) Docs() tooldoc.Store {
	return c.docs
}

// Aggregator dispatches tool IDs to the registered backends.
func (c *Catalog) Aggregator() *backend.Aggregator {
	return c.agg
}

// Backends returns the backend registry.
func (c *Catalog) Backends() *backend.Registry {
	return c.backends
}
