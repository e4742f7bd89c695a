package capability

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jonwraymond/tooldiscovery/tooldoc"
	"github.com/jonwraymond/vaultscript/backend"
	"github.com/jonwraymond/vaultscript/backend/local"
	"github.com/jonwraymond/vaultscript/compiler"
)

// Common errors for capability operations.
var (
	ErrInvalidDeclaration   = errors.New("invalid capability declaration")
	ErrDuplicateDeclaration = errors.New("capability already declared")
	ErrUndeclaredCapability = errors.New("capability not declared")
	ErrUnmatchedCapability  = errors.New("capability declaration and implementation out of sync")
)

// ReservedNamespace holds custom functions and cannot be used by capabilities.
const ReservedNamespace = "functions"

var identPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Param is one positional parameter of a capability. Type is a TypeScript
// type expression such as "string" or "{ title: string; tags?: string[] }".
type Param struct {
	Name        string
	Type        string
	Optional    bool
	Description string
}

// Declaration describes a host function exposed to guest code. It is both the
// compile-time signature and the runtime implementation; the catalog keeps the
// two in lockstep.
type Declaration struct {
	Namespace   string
	Name        string
	Description string
	Params      []Param

	// Returns is the type the guest promise resolves to.
	Returns string

	Tags     []string
	Examples []tooldoc.ToolExample
	Handler  local.HandlerFunc
}

// QualifiedName returns "namespace.name", the form used in allow-lists and
// guest code.
func (d Declaration) QualifiedName() string {
	return d.Namespace + "." + d.Name
}

// ToolID returns the tool identifier used by the discovery index and backends.
func (d Declaration) ToolID() string {
	return backend.FormatToolID(d.Namespace, d.Name)
}

// ParamNames returns parameter names in positional order.
func (d Declaration) ParamNames() []string {
	out := make([]string, len(d.Params))
	for i, p := range d.Params {
		out[i] = p.Name
	}
	return out
}

// Signature parses the declared types into a compiler signature.
func (d Declaration) Signature() (compiler.Signature, error) {
	sig := compiler.Signature{Params: make([]compiler.Param, 0, len(d.Params))}
	for _, p := range d.Params {
		t, err := compiler.ParseType(p.Type)
		if err != nil {
			return compiler.Signature{}, fmt.Errorf("%w: %s parameter %q: %v", ErrInvalidDeclaration, d.QualifiedName(), p.Name, err)
		}
		sig.Params = append(sig.Params, compiler.Param{Name: p.Name, Type: t, Optional: p.Optional})
	}
	returns := d.Returns
	if returns == "" {
		returns = "void"
	}
	rt, err := compiler.ParseType(returns)
	if err != nil {
		return compiler.Signature{}, fmt.Errorf("%w: %s return type: %v", ErrInvalidDeclaration, d.QualifiedName(), err)
	}
	sig.Returns = compiler.PromiseOf(rt)
	return sig, nil
}

// TypeScript renders the declaration as a function signature inside its
// namespace block.
func (d Declaration) TypeScript() string {
	params := make([]string, len(d.Params))
	for i, p := range d.Params {
		opt := ""
		if p.Optional {
			opt = "?"
		}
		params[i] = fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type)
	}
	returns := d.Returns
	if returns == "" {
		returns = "void"
	}
	return fmt.Sprintf("function %s(%s): Promise<%s>;", d.Name, strings.Join(params, ", "), returns)
}

func (d Declaration) validate() error {
	if !identPattern.MatchString(d.Namespace) {
		return fmt.Errorf("%w: namespace %q", ErrInvalidDeclaration, d.Namespace)
	}
	if d.Namespace == ReservedNamespace {
		return fmt.Errorf("%w: namespace %q is reserved", ErrInvalidDeclaration, d.Namespace)
	}
	if !identPattern.MatchString(d.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidDeclaration, d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDeclaration, d.QualifiedName())
	}
	seen := make(map[string]bool, len(d.Params))
	optional := false
	for _, p := range d.Params {
		if !identPattern.MatchString(p.Name) {
			return fmt.Errorf("%w: %s parameter %q", ErrInvalidDeclaration, d.QualifiedName(), p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: %s repeats parameter %q", ErrInvalidDeclaration, d.QualifiedName(), p.Name)
		}
		seen[p.Name] = true
		if optional && !p.Optional {
			return fmt.Errorf("%w: %s required parameter %q follows optional one", ErrInvalidDeclaration, d.QualifiedName(), p.Name)
		}
		optional = optional || p.Optional
	}
	_, err := d.Signature()
	return err
}
