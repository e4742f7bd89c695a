// Package notes provides the default capability set of a note vault: note
// CRUD and search plus note type management, backed by an in-memory vault
// partitioned by vault scope.
package notes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonwraymond/vaultscript/capability"
)

// Errors returned by vault operations. They reach guest code as rejected
// promises.
var (
	ErrNoteNotFound = errors.New("note not found")
	ErrInvalidNote  = errors.New("invalid note")
	ErrTypeExists   = errors.New("note type already defined")
)

// Note is a single vault entry.
type Note struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the search/list view of a note.
type Summary struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Type  string   `json:"type"`
	Tags  []string `json:"tags"`
}

// Input creates a note.
type Input struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Type    string   `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Patch updates a note. Nil fields are left unchanged.
type Patch struct {
	Title   *string  `json:"title,omitempty"`
	Content *string  `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// NoteType is a user-defined note schema.
type NoteType struct {
	Name        string   `json:"name"`
	Fields      []string `json:"fields"`
	Description string   `json:"description,omitempty"`
}

// DefaultType is assigned to notes created without a type.
const DefaultType = "note"

type space struct {
	notes map[string]*Note
	types map[string]NoteType
}

// Vault is an in-memory note store. It is safe for concurrent use, which the
// evaluator relies on when several capability calls run at once.
type Vault struct {
	mu     sync.RWMutex
	scopes map[string]*space
	now    func() time.Time
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		scopes: make(map[string]*space),
		now:    time.Now,
	}
}

func (v *Vault) spaceLocked(ctx context.Context) *space {
	scope := capability.ScopeFromContext(ctx)
	s, ok := v.scopes[scope]
	if !ok {
		s = &space{
			notes: make(map[string]*Note),
			types: map[string]NoteType{
				DefaultType: {Name: DefaultType, Fields: []string{"title", "content"}},
			},
		}
		v.scopes[scope] = s
	}
	return s
}

// Get returns a copy of the note with the given id.
func (v *Vault) Get(ctx context.Context, id string) (Note, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.spaceLocked(ctx).notes[id]
	if !ok {
		return Note{}, false
	}
	return cloneNote(n), true
}

// Create stores a new note.
func (v *Vault) Create(ctx context.Context, in Input) (Note, error) {
	if strings.TrimSpace(in.Title) == "" {
		return Note{}, fmt.Errorf("%w: title is required", ErrInvalidNote)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.spaceLocked(ctx)
	typ := in.Type
	if typ == "" {
		typ = DefaultType
	}
	if _, ok := s.types[typ]; !ok {
		return Note{}, fmt.Errorf("%w: unknown type %q", ErrInvalidNote, typ)
	}
	now := v.now().UTC()
	n := &Note{
		ID:        uuid.NewString(),
		Title:     in.Title,
		Content:   in.Content,
		Type:      typ,
		Tags:      normalizeTags(in.Tags),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.notes[n.ID] = n
	return cloneNote(n), nil
}

// Update applies a patch to an existing note.
func (v *Vault) Update(ctx context.Context, id string, p Patch) (Note, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	n, ok := v.spaceLocked(ctx).notes[id]
	if !ok {
		return Note{}, fmt.Errorf("%w: %s", ErrNoteNotFound, id)
	}
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return Note{}, fmt.Errorf("%w: title is required", ErrInvalidNote)
		}
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Tags != nil {
		n.Tags = normalizeTags(p.Tags)
	}
	n.UpdatedAt = v.now().UTC()
	return cloneNote(n), nil
}

// Delete removes a note and reports whether it existed.
func (v *Vault) Delete(ctx context.Context, id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.spaceLocked(ctx)
	if _, ok := s.notes[id]; !ok {
		return false
	}
	delete(s.notes, id)
	return true
}

// Search returns notes whose title, content or tags contain every query term,
// best matches first. Title matches weigh more than content matches.
func (v *Vault) Search(ctx context.Context, query string, limit int) []Summary {
	terms := strings.Fields(strings.ToLower(query))
	v.mu.Lock()
	defer v.mu.Unlock()

	type hit struct {
		n     *Note
		score int
	}
	var hits []hit
	for _, n := range v.spaceLocked(ctx).notes {
		score := 0
		title, content := strings.ToLower(n.Title), strings.ToLower(n.Content)
		tags := strings.ToLower(strings.Join(n.Tags, " "))
		matched := true
		for _, term := range terms {
			s := 3*strings.Count(title, term) + strings.Count(content, term) + 2*strings.Count(tags, term)
			if s == 0 {
				matched = false
				break
			}
			score += s
		}
		if matched {
			hits = append(hits, hit{n: n, score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].n.Title < hits[j].n.Title
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Summary, len(hits))
	for i, h := range hits {
		out[i] = summarize(h.n)
	}
	return out
}

// List returns all notes of a type, or all notes when typ is empty, ordered
// by title.
func (v *Vault) List(ctx context.Context, typ string) []Summary {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Summary, 0)
	for _, n := range v.spaceLocked(ctx).notes {
		if typ == "" || n.Type == typ {
			out = append(out, summarize(n))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Types returns the defined note types sorted by name.
func (v *Vault) Types(ctx context.Context) []NoteType {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.spaceLocked(ctx)
	out := make([]NoteType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefineType adds a note type.
func (v *Vault) DefineType(ctx context.Context, t NoteType) (NoteType, error) {
	t.Name = strings.TrimSpace(strings.ToLower(t.Name))
	if t.Name == "" {
		return NoteType{}, fmt.Errorf("%w: type name is required", ErrInvalidNote)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.spaceLocked(ctx)
	if _, ok := s.types[t.Name]; ok {
		return NoteType{}, fmt.Errorf("%w: %s", ErrTypeExists, t.Name)
	}
	if t.Fields == nil {
		t.Fields = []string{}
	}
	s.types[t.Name] = t
	return t, nil
}

func summarize(n *Note) Summary {
	return Summary{ID: n.ID, Title: n.Title, Type: n.Type, Tags: append([]string{}, n.Tags...)}
}

func cloneNote(n *Note) Note {
	c := *n
	c.Tags = append([]string{}, n.Tags...)
	return c
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
