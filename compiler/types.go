package compiler

import (
	"fmt"
	"sort"
	"strings"
)

// Kind enumerates the shapes a Type can take.
type Kind int

const (
	KindUnknown Kind = iota
	KindAny
	KindString
	KindNumber
	KindBoolean
	KindNull
	KindUndefined
	KindVoid
	KindArray
	KindObject
	KindUnion
	KindPromise
	KindNamed
)

// Type is a type expression of the guest dialect. Only the subset needed to
// describe capability signatures and simple annotations is modelled.
type Type struct {
	Kind    Kind
	Name    string           // KindNamed
	Elem    *Type            // KindArray, KindPromise
	Members []*Type          // KindUnion
	Fields  map[string]Field // KindObject; nil means an open object
}

// Field is a property of an object type.
type Field struct {
	Type     *Type
	Optional bool
}

// Common types.
var (
	Unknown   = &Type{Kind: KindUnknown}
	Any       = &Type{Kind: KindAny}
	String    = &Type{Kind: KindString}
	Number    = &Type{Kind: KindNumber}
	Boolean   = &Type{Kind: KindBoolean}
	Null      = &Type{Kind: KindNull}
	Undefined = &Type{Kind: KindUndefined}
	Void      = &Type{Kind: KindVoid}
	Object    = &Type{Kind: KindObject}
)

// ArrayOf returns T[].
func ArrayOf(elem *Type) *Type { return &Type{Kind: KindArray, Elem: elem} }

// PromiseOf returns Promise<T>.
func PromiseOf(elem *Type) *Type { return &Type{Kind: KindPromise, Elem: elem} }

// UnionOf returns A | B | ..., flattening nested unions.
func UnionOf(members ...*Type) *Type {
	var flat []*Type
	for _, m := range members {
		if m.Kind == KindUnion {
			flat = append(flat, m.Members...)
			continue
		}
		flat = append(flat, m)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return &Type{Kind: KindUnion, Members: flat}
}

// Nullable reports whether null is one of the type's members.
func (t *Type) Nullable() bool {
	if t == nil {
		return false
	}
	if t.Kind == KindNull {
		return true
	}
	if t.Kind == KindUnion {
		for _, m := range t.Members {
			if m.Kind == KindNull {
				return true
			}
		}
	}
	return false
}

// Awaited unwraps a Promise type.
func (t *Type) Awaited() *Type {
	if t != nil && t.Kind == KindPromise {
		return t.Elem
	}
	return t
}

func (t *Type) String() string {
	if t == nil {
		return "unknown"
	}
	switch t.Kind {
	case KindAny:
		return "any"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	case KindVoid:
		return "void"
	case KindNamed:
		return t.Name
	case KindArray:
		elem := t.Elem.String()
		if t.Elem != nil && t.Elem.Kind == KindUnion {
			elem = "(" + elem + ")"
		}
		return elem + "[]"
	case KindPromise:
		return "Promise<" + t.Elem.String() + ">"
	case KindUnion:
		parts := make([]string, len(t.Members))
		for i, m := range t.Members {
			parts[i] = m.String()
		}
		return strings.Join(parts, " | ")
	case KindObject:
		if t.Fields == nil {
			return "object"
		}
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			f := t.Fields[name]
			opt := ""
			if f.Optional {
				opt = "?"
			}
			parts[i] = fmt.Sprintf("%s%s: %s", name, opt, f.Type)
		}
		return "{ " + strings.Join(parts, "; ") + " }"
	}
	return "unknown"
}

// Resolver looks up named types.
type Resolver func(name string) (*Type, bool)

// Assignable reports whether a value of type src can be used where dst is
// expected. Unknown and any are assignable in both directions so that the
// checker only reports what it can prove.
func Assignable(src, dst *Type, resolve Resolver) bool {
	return assignable(src, dst, resolve, 0)
}

func assignable(src, dst *Type, resolve Resolver, depth int) bool {
	if src == nil || dst == nil || depth > 16 {
		return true
	}
	if dst.Kind == KindAny || dst.Kind == KindUnknown || src.Kind == KindAny || src.Kind == KindUnknown {
		return true
	}
	if src.Kind == KindNamed {
		if r, ok := lookup(resolve, src.Name); ok {
			return assignable(r, dst, resolve, depth+1)
		}
		return true
	}
	if dst.Kind == KindNamed {
		if r, ok := lookup(resolve, dst.Name); ok {
			return assignable(src, r, resolve, depth+1)
		}
		return true
	}
	if src.Kind == KindUnion {
		for _, m := range src.Members {
			if !assignable(m, dst, resolve, depth+1) {
				return false
			}
		}
		return true
	}
	if dst.Kind == KindUnion {
		for _, m := range dst.Members {
			if assignable(src, m, resolve, depth+1) {
				return true
			}
		}
		return false
	}
	switch dst.Kind {
	case KindVoid:
		return src.Kind == KindVoid || src.Kind == KindUndefined
	case KindArray:
		return src.Kind == KindArray && assignable(src.Elem, dst.Elem, resolve, depth+1)
	case KindPromise:
		return src.Kind == KindPromise && assignable(src.Elem, dst.Elem, resolve, depth+1)
	case KindObject:
		if src.Kind != KindObject {
			return false
		}
		if dst.Fields == nil || src.Fields == nil {
			return true
		}
		for name, f := range dst.Fields {
			sf, ok := src.Fields[name]
			if !ok {
				if f.Optional {
					continue
				}
				return false
			}
			if !assignable(sf.Type, f.Type, resolve, depth+1) {
				return false
			}
		}
		return true
	}
	return src.Kind == dst.Kind
}

func lookup(resolve Resolver, name string) (*Type, bool) {
	if resolve == nil {
		return nil, false
	}
	return resolve(name)
}

// ParseType parses a type expression such as "Note | null" or
// "{ id: string; tags?: string[] }".
func ParseType(src string) (*Type, error) {
	toks := Tokenize(src)
	p := &typeParser{toks: toks}
	t, err := p.union()
	if err != nil {
		return nil, err
	}
	if p.peek().Kind != TokenEOF {
		return nil, fmt.Errorf("unexpected %q in type %q", p.peek().Text, src)
	}
	return t, nil
}

// MustParseType is ParseType for static declarations; it panics on error.
func MustParseType(src string) *Type {
	t, err := ParseType(src)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	toks []Token
	pos  int
}

func (p *typeParser) peek() Token { return p.toks[p.pos] }

func (p *typeParser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != TokenEOF {
		p.pos++
	}
	return t
}

func (p *typeParser) expect(text string) error {
	if t := p.next(); !t.Is(text) {
		return fmt.Errorf("expected %q, found %q", text, t.Text)
	}
	return nil
}

// closeAngle consumes one ">" and splits ">>" produced by nested generics.
func (p *typeParser) closeAngle() error {
	if t := p.peek(); t.Is(">>") || t.Is(">>>") {
		p.toks[p.pos].Text = t.Text[1:]
		return nil
	}
	return p.expect(">")
}

func (p *typeParser) union() (*Type, error) {
	if p.peek().Is("|") {
		p.next()
	}
	first, err := p.postfix()
	if err != nil {
		return nil, err
	}
	members := []*Type{first}
	for p.peek().Is("|") {
		p.next()
		t, err := p.postfix()
		if err != nil {
			return nil, err
		}
		members = append(members, t)
	}
	return UnionOf(members...), nil
}

func (p *typeParser) postfix() (*Type, error) {
	t, err := p.primary()
	if err != nil {
		return nil, err
	}
	for p.peek().Is("[") && p.toks[p.pos+1].Is("]") {
		p.next()
		p.next()
		t = ArrayOf(t)
	}
	return t, nil
}

func (p *typeParser) primary() (*Type, error) {
	tok := p.next()
	switch tok.Kind {
	case TokenString:
		return String, nil
	case TokenNumber:
		return Number, nil
	case TokenPunct:
		switch tok.Text {
		case "(":
			t, err := p.union()
			if err != nil {
				return nil, err
			}
			return t, p.expect(")")
		case "{":
			return p.object()
		}
		return nil, fmt.Errorf("unexpected %q in type", tok.Text)
	case TokenIdent:
		return p.named(tok.Text)
	}
	return nil, fmt.Errorf("unexpected end of type")
}

func (p *typeParser) named(name string) (*Type, error) {
	switch name {
	case "any":
		return Any, nil
	case "unknown":
		return Unknown, nil
	case "string":
		return String, nil
	case "number":
		return Number, nil
	case "boolean", "true", "false":
		return Boolean, nil
	case "null":
		return Null, nil
	case "undefined":
		return Undefined, nil
	case "void":
		return Void, nil
	case "object":
		return Object, nil
	}
	var args []*Type
	if p.peek().Is("<") {
		p.next()
		for {
			t, err := p.union()
			if err != nil {
				return nil, err
			}
			args = append(args, t)
			if !p.peek().Is(",") {
				break
			}
			p.next()
		}
		if err := p.closeAngle(); err != nil {
			return nil, err
		}
	}
	switch name {
	case "Promise":
		if len(args) != 1 {
			return nil, fmt.Errorf("Promise expects one type argument")
		}
		return PromiseOf(args[0]), nil
	case "Array":
		if len(args) != 1 {
			return nil, fmt.Errorf("Array expects one type argument")
		}
		return ArrayOf(args[0]), nil
	case "Record":
		return Object, nil
	}
	return &Type{Kind: KindNamed, Name: name}, nil
}

func (p *typeParser) object() (*Type, error) {
	fields := make(map[string]Field)
	for !p.peek().Is("}") {
		key := p.next()
		if key.Kind != TokenIdent && key.Kind != TokenString {
			return nil, fmt.Errorf("expected property name, found %q", key.Text)
		}
		name := strings.Trim(key.Text, `"'`)
		optional := false
		if p.peek().Is("?") {
			p.next()
			optional = true
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		t, err := p.union()
		if err != nil {
			return nil, err
		}
		fields[name] = Field{Type: t, Optional: optional}
		for p.peek().Is(";") || p.peek().Is(",") {
			p.next()
		}
		if p.peek().Kind == TokenEOF {
			return nil, fmt.Errorf("unterminated object type")
		}
	}
	p.next()
	return &Type{Kind: KindObject, Fields: fields}, nil
}
