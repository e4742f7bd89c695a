package customfn

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/compiler"
	"github.com/jonwraymond/vaultscript/sandbox"
)

// Errors returned by the registry.
var (
	ErrNotFound          = errors.New("custom function not found")
	ErrInvalidDefinition = errors.New("invalid custom function")
	ErrNameCollision     = errors.New("custom function name is reserved")
)

// Names of the management members of the functions namespace.
const (
	ListMember   = "list"
	RemoveMember = "remove"
)

var (
	namePattern = regexp.MustCompile(`^[\p{L}_$][\p{L}\p{N}_$]*$`)

	reservedNames = map[string]bool{
		ListMember:                   true,
		RemoveMember:                 true,
		capability.ReservedNamespace: true,
		sandbox.ContextGlobal:        true,
		compiler.EntryPoint:          true,
	}

	keywords = map[string]bool{}
)

func init() {
	for _, k := range strings.Fields(`await break case catch class const continue debugger default
		delete do else enum export extends false finally for function if implements import in
		instanceof interface let new null package private protected public return static super
		switch this throw true try typeof var void while with yield`) {
		keywords[k] = true
	}
}

// ValidationError reports a definition that does not type-check.
type ValidationError struct {
	Name        string
	Diagnostics []compiler.Diagnostic
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("custom function %q does not compile:\n%s", e.Name, compiler.FormatDiagnostics(e.Diagnostics))
}

// Is reports whether target is ErrInvalidDefinition.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidDefinition
}

// Registry manages custom functions of every vault scope. The scope of each
// call comes from capability.ScopeFromContext.
type Registry struct {
	store   Store
	catalog *capability.Catalog
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithCatalog validates definitions against the capabilities of c and
// rejects names that collide with its namespaces.
func WithCatalog(c *capability.Catalog) Option {
	return func(r *Registry) { r.catalog = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry returns a registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) load(ctx context.Context) ([]Definition, error) {
	return r.store.LoadAll(ctx, capability.ScopeFromContext(ctx))
}

// List returns summaries of every function in the scope, sorted by name.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	defs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, len(defs))
	for i, d := range defs {
		out[i] = d.Summary()
	}
	return out, nil
}

// Get returns one definition.
func (r *Registry) Get(ctx context.Context, name string) (Definition, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	defs, err := r.load(ctx)
	if err != nil {
		return Definition{}, err
	}
	for _, d := range defs {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Upsert validates def and stores it, creating or replacing the function of
// the same name. The stored definition is returned.
func (r *Registry) Upsert(ctx context.Context, def Definition) (Definition, error) {
	def = def.clone()
	if err := r.normalize(&def); err != nil {
		return Definition{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	defs, err := r.load(ctx)
	if err != nil {
		return Definition{}, err
	}
	now := r.now().UTC()
	def.ID, def.Version, def.UsageCount, def.LastUsedAt = "", 1, 0, nil
	def.CreatedAt = now
	others := defs[:0:0]
	for _, d := range defs {
		if d.Name != def.Name {
			others = append(others, d)
			continue
		}
		def.ID = d.ID
		def.Version = d.Version + 1
		def.UsageCount = d.UsageCount
		def.LastUsedAt = d.LastUsedAt
		def.CreatedAt = d.CreatedAt
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.UpdatedAt = now

	if err := r.check(def, append(others, def)); err != nil {
		return Definition{}, err
	}
	if err := r.store.Persist(ctx, capability.ScopeFromContext(ctx), def); err != nil {
		return Definition{}, fmt.Errorf("persisting custom function %s: %w", def.Name, err)
	}
	return def, nil
}

func (r *Registry) normalize(def *Definition) error {
	def.Name = norm.NFC.String(strings.TrimSpace(def.Name))
	def.Description = strings.TrimSpace(def.Description)
	def.ReturnType = strings.TrimSpace(def.ReturnType)
	if err := r.checkName(def.Name); err != nil {
		return err
	}
	if strings.TrimSpace(def.Code) == "" {
		return fmt.Errorf("%w: %s has no code", ErrInvalidDefinition, def.Name)
	}
	seen := make(map[string]bool)
	optional := false
	for i := range def.Parameters {
		p := &def.Parameters[i]
		p.Name = norm.NFC.String(strings.TrimSpace(p.Name))
		if !namePattern.MatchString(p.Name) || keywords[p.Name] {
			return fmt.Errorf("%w: %s: invalid parameter name %q", ErrInvalidDefinition, def.Name, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %q", ErrInvalidDefinition, def.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Type = strings.TrimSpace(p.Type); p.Type == "" {
			p.Type = "unknown"
		}
		if _, err := compiler.ParseType(p.Type); err != nil {
			return fmt.Errorf("%w: %s: parameter %s: %v", ErrInvalidDefinition, def.Name, p.Name, err)
		}
		if optional && !p.Optional {
			return fmt.Errorf("%w: %s: required parameter %s follows an optional one", ErrInvalidDefinition, def.Name, p.Name)
		}
		optional = optional || p.Optional
	}
	if _, err := compiler.ParseType(def.returns()); err != nil {
		return fmt.Errorf("%w: %s: return type: %v", ErrInvalidDefinition, def.Name, err)
	}
	def.Tags = normalizeTags(def.Tags)
	return nil
}

func (r *Registry) checkName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	case !namePattern.MatchString(name) || keywords[name]:
		return fmt.Errorf("%w: %q is not a valid function name", ErrInvalidDefinition, name)
	case reservedNames[name]:
		return fmt.Errorf("%w: %q", ErrNameCollision, name)
	}
	if r.catalog != nil {
		for _, ns := range r.catalog.Namespaces() {
			if ns == name {
				return fmt.Errorf("%w: %q is a capability namespace", ErrNameCollision, name)
			}
		}
	}
	return nil
}

// check type-checks def against every capability and the given functions.
func (r *Registry) check(def Definition, defs []Definition) error {
	decls, err := r.declarations(defs, true)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, def.Name, err)
	}
	res := compiler.Compile(def.source(), decls, compiler.Options{
		Mode:     compiler.ModeCheckOnly,
		Filename: def.Name + ".ts",
	})
	if !res.HasErrors() {
		return nil
	}
	diags := res.Errors()
	for i := range diags {
		if diags[i].Line > 1 {
			diags[i].Line--
		}
	}
	return &ValidationError{Name: def.Name, Diagnostics: diags}
}

func (r *Registry) declarations(defs []Definition, withCapabilities bool) (*compiler.Declarations, error) {
	decls := compiler.NewDeclarations()
	if withCapabilities && r.catalog != nil {
		set, err := r.catalog.Resolve([]string{"*"})
		if err != nil {
			return nil, err
		}
		decls.Merge(set.Declarations())
	}
	summary, err := compiler.ParseType(SummaryType)
	if err != nil {
		return nil, err
	}
	decls.DeclareType("FunctionSummary", summary)
	ns := capability.ReservedNamespace
	decls.Declare(ns, ListMember, compiler.Signature{
		Returns: compiler.PromiseOf(compiler.ArrayOf(compiler.MustParseType("FunctionSummary"))),
	})
	decls.Declare(ns, RemoveMember, compiler.Signature{
		Params:  []compiler.Param{{Name: "name", Type: compiler.MustParseType("string")}},
		Returns: compiler.PromiseOf(compiler.MustParseType("boolean")),
	})
	for _, d := range defs {
		sig, err := d.compilerSignature()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Name, err)
		}
		decls.Declare(ns, d.Name, sig)
	}
	return decls, nil
}

// Declarations returns the functions namespace of the scope as compiler
// declarations: one member per function plus list and remove.
func (r *Registry) Declarations(ctx context.Context) (*compiler.Declarations, error) {
	defs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return r.declarations(defs, false)
}

// Remove deletes a function. It reports whether the function existed.
func (r *Registry) Remove(ctx context.Context, name string) (bool, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.Get(ctx, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := r.store.Delete(ctx, capability.ScopeFromContext(ctx), name); err != nil {
		return false, fmt.Errorf("deleting custom function %s: %w", name, err)
	}
	return true, nil
}

// RecordUsage increments the usage counters of the named functions. Names
// that no longer exist are ignored.
func (r *Registry) RecordUsage(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	defs, err := r.load(ctx)
	if err != nil {
		return err
	}
	used := make(map[string]bool, len(names))
	for _, n := range names {
		used[n] = true
	}
	now := r.now().UTC()
	var errs []error
	for _, d := range defs {
		if !used[d.Name] {
			continue
		}
		d.UsageCount++
		d.LastUsedAt = &now
		if err := r.store.Persist(ctx, capability.ScopeFromContext(ctx), d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Prelude renders every function of the scope as one object expression in
// the guest dialect, ready to compile and pass to Sandbox.DefineFunctions.
// It returns an empty string when the scope has no functions.
func (r *Registry) Prelude(ctx context.Context) (string, []string, error) {
	defs, err := r.load(ctx)
	if err != nil {
		return "", nil, err
	}
	if len(defs) == 0 {
		return "", nil, nil
	}
	var b strings.Builder
	names := make([]string, len(defs))
	b.WriteString("({\n")
	for i, d := range defs {
		names[i] = d.Name
		fmt.Fprintf(&b, "%q: %s},\n", d.Name, strings.TrimSuffix(d.source(), "}\n"))
	}
	b.WriteString("});\n")
	return b.String(), names, nil
}

// Members returns the list and remove management members, bridged like any
// other host call.
func (r *Registry) Members() []sandbox.Member {
	return []sandbox.Member{
		{
			Namespace: sandbox.FunctionsNamespace,
			Name:      ListMember,
			Call: func(ctx context.Context, _ map[string]any) (any, error) {
				return r.List(ctx)
			},
		},
		{
			Namespace: sandbox.FunctionsNamespace,
			Name:      RemoveMember,
			Params:    []string{"name"},
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				name, _ := args["name"].(string)
				if name == "" {
					return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
				}
				return r.Remove(ctx, name)
			},
		},
	}
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(norm.NFC.String(t)))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
