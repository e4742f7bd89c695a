package capability

import (
	"fmt"
	"strings"

	"github.com/jonwraymond/vaultscript/compiler"
)

// DeclarationSet is the resolved allow-list of one evaluation. It is
// immutable once returned by Catalog.Resolve.
type DeclarationSet struct {
	entries   []*entry
	types     map[string]*compiler.Type
	typeText  map[string]string
	typeOrder []string
}

// List returns the allowed declarations sorted by qualified name.
func (s *DeclarationSet) List() []Declaration {
	out := make([]Declaration, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.decl
	}
	return out
}

// Len returns the number of allowed declarations.
func (s *DeclarationSet) Len() int {
	return len(s.entries)
}

// Has reports whether a qualified name is allowed.
func (s *DeclarationSet) Has(name string) bool {
	for _, e := range s.entries {
		if e.decl.QualifiedName() == name {
			return true
		}
	}
	return false
}

// Namespaces returns the namespaces with at least one allowed member.
func (s *DeclarationSet) Namespaces() []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range s.entries {
		if !seen[e.decl.Namespace] {
			seen[e.decl.Namespace] = true
			out = append(out, e.decl.Namespace)
		}
	}
	return out
}

// Declarations returns the compiler view of the set: every allowed member
// plus all named types.
func (s *DeclarationSet) Declarations() *compiler.Declarations {
	d := compiler.NewDeclarations()
	for name, t := range s.types {
		d.DeclareType(name, t)
	}
	for _, e := range s.entries {
		d.Declare(e.decl.Namespace, e.decl.Name, e.sig)
	}
	return d
}

// TypeDeclarations renders the set as a TypeScript declaration file that can
// be shown to authors of guest code.
func (s *DeclarationSet) TypeDeclarations() string {
	var b strings.Builder
	for _, name := range s.typeOrder {
		fmt.Fprintf(&b, "type %s = %s;\n", name, s.typeText[name])
	}
	current := ""
	for _, e := range s.entries {
		if e.decl.Namespace != current {
			if current != "" {
				b.WriteString("}\n")
			}
			current = e.decl.Namespace
			fmt.Fprintf(&b, "\ndeclare namespace %s {\n", current)
		}
		if e.decl.Description != "" {
			fmt.Fprintf(&b, "  /** %s */\n", e.decl.Description)
		}
		fmt.Fprintf(&b, "  %s\n", e.decl.TypeScript())
	}
	if current != "" {
		b.WriteString("}\n")
	}
	return b.String()
}
