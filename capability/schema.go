package capability

import (
	"sort"

	"github.com/jonwraymond/vaultscript/compiler"
)

const maxSchemaDepth = 8

// InputSchema builds the JSON Schema object describing a declaration's
// arguments keyed by parameter name.
func InputSchema(sig compiler.Signature, names []string, resolve compiler.Resolver) map[string]any {
	props := make(map[string]any, len(sig.Params))
	required := make([]any, 0, len(sig.Params))
	for i, p := range sig.Params {
		name := p.Name
		if i < len(names) {
			name = names[i]
		}
		props[name] = SchemaFor(p.Type, resolve)
		if !p.Optional {
			required = append(required, name)
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// SchemaFor converts a type expression to JSON Schema. Named types are
// inlined; types that cannot be resolved become the empty schema.
func SchemaFor(t *compiler.Type, resolve compiler.Resolver) map[string]any {
	return schemaFor(t, resolve, 0)
}

func schemaFor(t *compiler.Type, resolve compiler.Resolver, depth int) map[string]any {
	if t == nil || depth > maxSchemaDepth {
		return map[string]any{}
	}
	switch t.Kind {
	case compiler.KindString:
		return map[string]any{"type": "string"}
	case compiler.KindNumber:
		return map[string]any{"type": "number"}
	case compiler.KindBoolean:
		return map[string]any{"type": "boolean"}
	case compiler.KindNull, compiler.KindUndefined, compiler.KindVoid:
		return map[string]any{"type": "null"}
	case compiler.KindArray:
		return map[string]any{"type": "array", "items": schemaFor(t.Elem, resolve, depth+1)}
	case compiler.KindPromise:
		return schemaFor(t.Elem, resolve, depth+1)
	case compiler.KindNamed:
		if resolve != nil {
			if r, ok := resolve(t.Name); ok {
				return schemaFor(r, resolve, depth+1)
			}
		}
		return map[string]any{}
	case compiler.KindUnion:
		anyOf := make([]any, 0, len(t.Members))
		for _, m := range t.Members {
			anyOf = append(anyOf, schemaFor(m, resolve, depth+1))
		}
		return map[string]any{"anyOf": anyOf}
	case compiler.KindObject:
		if t.Fields == nil {
			return map[string]any{"type": "object"}
		}
		names := make([]string, 0, len(t.Fields))
		for name := range t.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		props := make(map[string]any, len(names))
		required := make([]any, 0, len(names))
		for _, name := range names {
			f := t.Fields[name]
			props[name] = schemaFor(f.Type, resolve, depth+1)
			if !f.Optional {
				required = append(required, name)
			}
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	}
	return map[string]any{}
}
