package notes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonwraymond/tooldiscovery/tooldoc"

	"github.com/jonwraymond/vaultscript/capability"
)

// Shared type declarations.
var types = []struct{ name, expr string }{
	{"Note", "{ id: string; title: string; content: string; type: string; tags: string[]; createdAt: string; updatedAt: string }"},
	{"NoteSummary", "{ id: string; title: string; type: string; tags: string[] }"},
	{"NoteInput", "{ title: string; content: string; type?: string; tags?: string[] }"},
	{"NotePatch", "{ title?: string; content?: string; tags?: string[] }"},
	{"NoteType", "{ name: string; fields: string[]; description?: string }"},
}

// Register installs the vault capabilities into the catalog.
func Register(c *capability.Catalog, v *Vault) error {
	for _, t := range types {
		if err := c.RegisterType(t.name, t.expr); err != nil {
			return err
		}
	}
	for _, d := range Declarations(v) {
		if err := c.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// Declarations returns the vault capabilities bound to v.
func Declarations(v *Vault) []capability.Declaration {
	return []capability.Declaration{
		{
			Namespace:   "notes",
			Name:        "get",
			Description: "Fetch a note by id. Resolves to null when the note does not exist.",
			Params:      []capability.Param{{Name: "id", Type: "string"}},
			Returns:     "Note | null",
			Tags:        []string{"read"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				n, ok := v.Get(ctx, stringArg(args, "id"))
				if !ok {
					return nil, nil
				}
				return n, nil
			},
		},
		{
			Namespace:   "notes",
			Name:        "search",
			Description: "Full-text search over note titles, content and tags.",
			Params: []capability.Param{
				{Name: "query", Type: "string"},
				{Name: "limit", Type: "number", Optional: true},
			},
			Returns: "NoteSummary[]",
			Tags:    []string{"read", "search"},
			Examples: []tooldoc.ToolExample{{
				Title: "Find meeting notes",
				Args:  map[string]any{"query": "meeting", "limit": 5},
			}},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return v.Search(ctx, stringArg(args, "query"), intArg(args, "limit")), nil
			},
		},
		{
			Namespace:   "notes",
			Name:        "list",
			Description: "List notes, optionally restricted to one note type.",
			Params:      []capability.Param{{Name: "type", Type: "string", Optional: true}},
			Returns:     "NoteSummary[]",
			Tags:        []string{"read"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return v.List(ctx, stringArg(args, "type")), nil
			},
		},
		{
			Namespace:   "notes",
			Name:        "create",
			Description: "Create a note and resolve to the stored note.",
			Params:      []capability.Param{{Name: "input", Type: "NoteInput"}},
			Returns:     "Note",
			Tags:        []string{"write"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var in Input
				if err := decodeArg(args, "input", &in); err != nil {
					return nil, err
				}
				return v.Create(ctx, in)
			},
		},
		{
			Namespace:   "notes",
			Name:        "update",
			Description: "Apply a partial update to a note.",
			Params: []capability.Param{
				{Name: "id", Type: "string"},
				{Name: "patch", Type: "NotePatch"},
			},
			Returns: "Note",
			Tags:    []string{"write"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var p Patch
				if err := decodeArg(args, "patch", &p); err != nil {
					return nil, err
				}
				return v.Update(ctx, stringArg(args, "id"), p)
			},
		},
		{
			Namespace:   "notes",
			Name:        "delete",
			Description: "Delete a note. Resolves to false when it did not exist.",
			Params:      []capability.Param{{Name: "id", Type: "string"}},
			Returns:     "boolean",
			Tags:        []string{"write"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return v.Delete(ctx, stringArg(args, "id")), nil
			},
		},
		{
			Namespace:   "types",
			Name:        "list",
			Description: "List the note types defined in the vault.",
			Returns:     "NoteType[]",
			Tags:        []string{"read", "schema"},
			Handler: func(ctx context.Context, _ map[string]any) (any, error) {
				return v.Types(ctx), nil
			},
		},
		{
			Namespace:   "types",
			Name:        "define",
			Description: "Define a new note type with the given field names.",
			Params: []capability.Param{
				{Name: "name", Type: "string"},
				{Name: "fields", Type: "string[]"},
				{Name: "description", Type: "string", Optional: true},
			},
			Returns: "NoteType",
			Tags:    []string{"write", "schema"},
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				var fields []string
				if err := decodeArg(args, "fields", &fields); err != nil {
					return nil, err
				}
				return v.DefineType(ctx, NoteType{
					Name:        stringArg(args, "name"),
					Fields:      fields,
					Description: stringArg(args, "description"),
				})
			},
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}

// decodeArg converts a JSON-shaped argument into a typed value.
func decodeArg(args map[string]any, key string, out any) error {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidNote, key, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidNote, key, err)
	}
	return nil
}
