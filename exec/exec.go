package exec

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonwraymond/tooldiscovery/index"
	"github.com/jonwraymond/tooldiscovery/tooldoc"

	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/capability/notes"
	"github.com/jonwraymond/vaultscript/code"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/run"
)

// Exec is the unified facade over the capability catalog, the custom
// function registry and the evaluator.
type Exec struct {
	catalog   *capability.Catalog
	runner    run.Runner
	functions *customfn.Registry
	evaluator *code.Evaluator
	vault     *notes.Vault
	opts      Options
}

// New creates a new Exec instance with the given options. The catalog is
// verified so that every declared capability has an implementation.
func New(opts Options) (*Exec, error) {
	opts.applyDefaults()

	catalog := capability.NewCatalog()
	if opts.Vault != nil {
		if err := notes.Register(catalog, opts.Vault); err != nil {
			return nil, fmt.Errorf("exec: register vault capabilities: %w", err)
		}
	}
	names := make([]string, 0, len(opts.Types))
	for name := range opts.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := catalog.RegisterType(name, opts.Types[name]); err != nil {
			return nil, fmt.Errorf("exec: register type %s: %w", name, err)
		}
	}
	for _, d := range opts.Capabilities {
		if err := catalog.Register(d); err != nil {
			return nil, fmt.Errorf("exec: register %s: %w", d.QualifiedName(), err)
		}
	}
	if err := catalog.Verify(context.Background()); err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	runner := run.NewRunner(
		run.WithIndex(catalog.Index()),
		run.WithDispatcher(catalog.Aggregator()),
	)
	functions := customfn.NewRegistry(opts.FunctionStore, customfn.WithCatalog(catalog))
	evaluator, err := code.NewEvaluator(code.Config{
		Catalog:            catalog,
		Run:                runner,
		Functions:          functions,
		DefaultTimeout:     opts.DefaultTimeout,
		MaxTimeout:         opts.MaxTimeout,
		SettleWindow:       opts.SettleWindow,
		MaxCapabilityCalls: opts.MaxCapabilityCalls,
		Limits:             opts.Limits,
		Logger:             opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Exec{
		catalog:   catalog,
		runner:    runner,
		functions: functions,
		evaluator: evaluator,
		vault:     opts.Vault,
		opts:      opts,
	}, nil
}

// Evaluate runs a guest program.
func (e *Exec) Evaluate(ctx context.Context, req code.Request) code.Result {
	return e.evaluator.Evaluate(ctx, req)
}

// Check type-checks a guest program without running it.
func (e *Exec) Check(ctx context.Context, req code.Request) code.Result {
	return e.evaluator.Check(ctx, req)
}

// RunCapability calls one capability directly from the host, bypassing the
// sandbox. Arguments are validated like guest calls.
func (e *Exec) RunCapability(ctx context.Context, scope, name string, args map[string]any) (Result, error) {
	decl, ok := e.catalog.Lookup(name)
	if !ok {
		err := fmt.Errorf("%w: %q", capability.ErrUndeclaredCapability, name)
		return Result{Capability: name, Error: err}, err
	}
	if scope != "" {
		ctx = capability.WithScope(ctx, scope)
	}

	start := time.Now()
	runResult, err := e.runner.Run(ctx, decl.ToolID(), args)
	duration := time.Since(start)
	if err != nil {
		return Result{Capability: name, Duration: duration, Error: err}, err
	}
	return Result{Value: runResult.Structured, Capability: name, Duration: duration}, nil
}

// SearchCapabilities finds capabilities matching a query.
func (e *Exec) SearchCapabilities(ctx context.Context, query string, limit int) ([]index.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.catalog.Search(query, limit)
}

// DescribeCapability returns documentation for a capability at the given
// detail level.
func (e *Exec) DescribeCapability(ctx context.Context, name string, level tooldoc.DetailLevel) (tooldoc.ToolDoc, error) {
	if err := ctx.Err(); err != nil {
		return tooldoc.ToolDoc{}, err
	}
	return e.catalog.Describe(name, level)
}

// TypeDeclarations renders the declarations guest code sees for an
// allow-list, including the custom functions of scope.
func (e *Exec) TypeDeclarations(ctx context.Context, scope string, allow []string) (string, error) {
	set, err := e.catalog.Resolve(allow)
	if err != nil {
		return "", err
	}
	out := set.TypeDeclarations()
	if scope != "" {
		ctx = capability.WithScope(ctx, scope)
	}
	defs, err := e.functions.List(ctx)
	if err != nil {
		return "", err
	}
	out += fmt.Sprintf("type FunctionSummary = %s;\ndeclare namespace %s {\n", customfn.SummaryType, capability.ReservedNamespace)
	out += "  function list(): Promise<FunctionSummary[]>;\n  function remove(name: string): Promise<boolean>;\n"
	for _, d := range defs {
		out += "  function " + d.Signature + ";\n"
	}
	return out + "}\n", nil
}

// Capabilities returns the qualified names of every declared capability.
func (e *Exec) Capabilities() []string {
	return e.catalog.Names()
}

// Functions returns the custom function registry.
func (e *Exec) Functions() *customfn.Registry {
	return e.functions
}

// Catalog returns the capability catalog.
// This allows advanced usage patterns like registering more capabilities.
func (e *Exec) Catalog() *capability.Catalog {
	return e.catalog
}

// Vault returns the note vault, or nil when the vault is disabled.
func (e *Exec) Vault() *notes.Vault {
	return e.vault
}
