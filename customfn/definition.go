// Package customfn manages user-authored functions that are installed into
// every evaluation under the "functions" namespace.
//
// Definitions are validated by type-checking a generated wrapper before they
// are accepted, and persisted per vault scope by a Store. Nothing here
// outlives a call except what the Store keeps.
package customfn

import (
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/vaultscript/compiler"
)

// Parameter is one positional parameter of a custom function.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Optional    bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Definition is a stored custom function. Code is the function body in the
// guest dialect; it may await capability calls and other custom functions.
type Definition struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	ReturnType  string      `json:"returnType,omitempty" yaml:"returnType,omitempty"`
	Code        string      `json:"code" yaml:"code"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags,omitempty"`
	Version     int         `json:"version" yaml:"version"`
	UsageCount  int         `json:"usageCount" yaml:"usageCount"`
	CreatedAt   time.Time   `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt" yaml:"updatedAt"`
	LastUsedAt  *time.Time  `json:"lastUsedAt,omitempty" yaml:"lastUsedAt,omitempty"`
}

// Summary is the listing view returned by Registry.List and functions.list().
type Summary struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Signature   string   `json:"signature"`
	Tags        []string `json:"tags"`
	Version     int      `json:"version"`
	UsageCount  int      `json:"usageCount"`
}

// SummaryType is the guest type of a Summary.
const SummaryType = "{ name: string; description: string; signature: string; tags: string[]; version: number; usageCount: number }"

func (d Definition) returns() string {
	if strings.TrimSpace(d.ReturnType) == "" {
		return "unknown"
	}
	return d.ReturnType
}

func (d Definition) params() string {
	parts := make([]string, len(d.Parameters))
	for i, p := range d.Parameters {
		opt := ""
		if p.Optional {
			opt = "?"
		}
		parts[i] = fmt.Sprintf("%s%s: %s", p.Name, opt, p.Type)
	}
	return strings.Join(parts, ", ")
}

func (d Definition) promised() string {
	ret := d.returns()
	if t, err := compiler.ParseType(ret); err == nil && t.Kind == compiler.KindPromise {
		return ret
	}
	return "Promise<" + ret + ">"
}

// Signature renders the TypeScript signature, e.g.
// "summarize(id: string, max?: number): Promise<string>".
func (d Definition) Signature() string {
	return fmt.Sprintf("%s(%s): %s", d.Name, d.params(), d.promised())
}

// Summary returns the listing view of d.
func (d Definition) Summary() Summary {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return Summary{
		Name:        d.Name,
		Description: d.Description,
		Signature:   d.Signature(),
		Tags:        tags,
		Version:     d.Version,
		UsageCount:  d.UsageCount,
	}
}

func (d Definition) compilerSignature() (compiler.Signature, error) {
	sig := compiler.Signature{Params: make([]compiler.Param, len(d.Parameters))}
	for i, p := range d.Parameters {
		t, err := compiler.ParseType(p.Type)
		if err != nil {
			return compiler.Signature{}, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		sig.Params[i] = compiler.Param{Name: p.Name, Type: t, Optional: p.Optional}
	}
	ret, err := compiler.ParseType(d.promised())
	if err != nil {
		return compiler.Signature{}, fmt.Errorf("return type: %w", err)
	}
	sig.Returns = ret
	return sig, nil
}

// source renders d as a standalone async function declaration. The body
// starts on the second line.
func (d Definition) source() string {
	return fmt.Sprintf("async function %s(%s): %s {\n%s\n}\n", d.Name, d.params(), d.promised(), d.Code)
}

func (d Definition) clone() Definition {
	d.Parameters = append([]Parameter(nil), d.Parameters...)
	d.Tags = append([]string(nil), d.Tags...)
	if d.LastUsedAt != nil {
		t := *d.LastUsedAt
		d.LastUsedAt = &t
	}
	return d
}
