package compiler

import "sort"

// Param is one positional parameter of a declared function.
type Param struct {
	Name     string
	Type     *Type
	Optional bool
}

// Signature describes a callable member of a namespace.
type Signature struct {
	Params  []Param
	Returns *Type
}

// Namespace is a global object whose members are declared functions.
type Namespace struct {
	Name    string
	Members map[string]Signature
}

// Declarations is everything the checker knows about the guest environment:
// namespaces of callable members and named types they refer to.
type Declarations struct {
	Namespaces map[string]*Namespace
	Types      map[string]*Type
}

// NewDeclarations returns an empty declaration set.
func NewDeclarations() *Declarations {
	return &Declarations{
		Namespaces: make(map[string]*Namespace),
		Types:      make(map[string]*Type),
	}
}

// Declare adds a namespaced member, creating the namespace if needed.
func (d *Declarations) Declare(namespace, member string, sig Signature) {
	ns, ok := d.Namespaces[namespace]
	if !ok {
		ns = &Namespace{Name: namespace, Members: make(map[string]Signature)}
		d.Namespaces[namespace] = ns
	}
	ns.Members[member] = sig
}

// DeclareType registers a named type.
func (d *Declarations) DeclareType(name string, t *Type) {
	d.Types[name] = t
}

// Resolve implements Resolver over the declared named types.
func (d *Declarations) Resolve(name string) (*Type, bool) {
	if d == nil {
		return nil, false
	}
	t, ok := d.Types[name]
	return t, ok
}

// Lookup returns the signature of namespace.member.
func (d *Declarations) Lookup(namespace, member string) (Signature, bool, bool) {
	if d == nil {
		return Signature{}, false, false
	}
	ns, ok := d.Namespaces[namespace]
	if !ok {
		return Signature{}, false, false
	}
	sig, ok := ns.Members[member]
	return sig, true, ok
}

// MemberNames returns the sorted member names of a namespace.
func (d *Declarations) MemberNames(namespace string) []string {
	ns, ok := d.Namespaces[namespace]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(ns.Members))
	for name := range ns.Members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge copies all namespaces and types of other into d.
func (d *Declarations) Merge(other *Declarations) {
	if other == nil {
		return
	}
	for nsName, ns := range other.Namespaces {
		for member, sig := range ns.Members {
			d.Declare(nsName, member, sig)
		}
	}
	for name, t := range other.Types {
		d.DeclareType(name, t)
	}
}
