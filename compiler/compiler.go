// Package compiler type-checks guest programs written in a TypeScript dialect
// and lowers them to JavaScript the sandbox interpreter can run.
//
// Type checking is performed over the original source against a set of
// Declarations describing the capability namespaces available to the program.
// Syntax checking and type stripping are delegated to esbuild.
package compiler

import (
	"strings"
	"unicode/utf8"

	"github.com/evanw/esbuild/pkg/api"
)

// Mode selects whether Compile emits code.
type Mode int

const (
	// ModeFull checks the program and emits JavaScript when it has no errors.
	ModeFull Mode = iota

	// ModeCheckOnly produces diagnostics only.
	ModeCheckOnly
)

func (m Mode) String() string {
	if m == ModeCheckOnly {
		return "check-only"
	}
	return "full"
}

// EntryPoint is the function the evaluator calls after loading a program.
const EntryPoint = "main"

// Options configures a single compilation.
type Options struct {
	Mode Mode

	// RequireEntry reports a missing EntryPoint as an error.
	RequireEntry bool

	// Filename is used in transpiler messages. Defaults to "guest.ts".
	Filename string

	// SourceMap appends an inline source map to the emitted code so that
	// runtime stack positions refer to the original source.
	SourceMap bool
}

// Compile checks source against decls and, in ModeFull, transpiles it.
// Errors are never dropped: if any diagnostic has error severity the result
// carries no code.
func Compile(source string, decls *Declarations, opts Options) CompilationResult {
	if opts.Filename == "" {
		opts.Filename = "guest.ts"
	}

	prepared, exportDiags := stripExports(source)
	js, syntaxDiags := transpile(prepared, opts)
	if len(syntaxDiags) > 0 {
		diags := append(exportDiags, syntaxDiags...)
		sortDiagnostics(diags)
		return CompilationResult{Diagnostics: diags}
	}

	c := newChecker(prepared, decls)
	c.run()
	diags := append(exportDiags, c.diags...)
	if opts.RequireEntry && !c.hasMain {
		diags = append(diags, Diagnostic{
			Code:       CodeMissingEntryPoint,
			Severity:   SeverityError,
			Message:    "Program does not declare an entry point named '" + EntryPoint + "'.",
			Line:       1,
			Column:     1,
			Suggestion: SuggestionFor(CodeMissingEntryPoint),
		})
	}
	sortDiagnostics(diags)

	res := CompilationResult{Diagnostics: diags, References: c.references()}
	if diags == nil {
		res.Diagnostics = []Diagnostic{}
	}
	if opts.Mode == ModeFull && !res.HasErrors() {
		res.Code = js
	}
	return res
}

// transpile strips types with esbuild and converts its errors to diagnostics.
func transpile(source string, opts Options) (string, []Diagnostic) {
	topts := api.TransformOptions{
		Loader:     api.LoaderTS,
		Target:     api.ES2017,
		Sourcefile: opts.Filename,
		LogLevel:   api.LogLevelSilent,
	}
	if opts.SourceMap {
		topts.Sourcemap = api.SourceMapInline
		topts.SourcesContent = api.SourcesContentExclude
	}
	out := api.Transform(source, topts)
	if len(out.Errors) == 0 {
		return string(out.Code), nil
	}
	diags := make([]Diagnostic, 0, len(out.Errors))
	for _, msg := range out.Errors {
		d := Diagnostic{
			Code:       CodeSyntax,
			Severity:   SeverityError,
			Message:    msg.Text,
			Line:       1,
			Column:     1,
			Suggestion: SuggestionFor(CodeSyntax),
		}
		if loc := msg.Location; loc != nil {
			d.Line = loc.Line
			d.Column = runeColumn(loc.LineText, loc.Column)
			if loc.Suggestion != "" {
				d.Suggestion = "Did you mean '" + loc.Suggestion + "'?"
			}
		}
		diags = append(diags, d)
	}
	return "", diags
}

// runeColumn converts esbuild's 0-based byte column to a 1-based character
// column.
func runeColumn(line string, byteCol int) int {
	if byteCol > len(line) {
		byteCol = len(line)
	}
	if byteCol < 0 {
		byteCol = 0
	}
	return utf8.RuneCountInString(line[:byteCol]) + 1
}

// stripExports blanks "export" modifiers on declarations so that programs
// written as modules still define their functions as script globals. Offsets
// and positions are preserved.
func stripExports(source string) (string, []Diagnostic) {
	toks := Tokenize(source)
	var b []byte
	var diags []Diagnostic
	blank := func(t Token) {
		if b == nil {
			b = []byte(source)
		}
		for i := t.Offset; i < t.Offset+len(t.Text); i++ {
			b[i] = ' '
		}
	}
	for i, t := range toks {
		if t.Kind != TokenIdent || t.Text != "export" {
			continue
		}
		if i > 0 && (toks[i-1].Is(".") || toks[i-1].Is("?.")) {
			continue
		}
		next := toks[i+1]
		switch {
		case next.Is("async") || next.Is("function") || next.Is("const") || next.Is("let") ||
			next.Is("var") || next.Is("interface") || next.Is("type"):
			blank(t)
		case next.Is("default") && (toks[i+2].Is("async") || toks[i+2].Is("function")):
			blank(t)
			blank(next)
		default:
			diags = append(diags, Diagnostic{
				Code:       CodeModuleImport,
				Severity:   SeverityError,
				Message:    "Module exports are not supported in guest code.",
				Line:       t.Line,
				Column:     t.Column,
				Suggestion: SuggestionFor(CodeModuleImport),
			})
		}
	}
	if b == nil {
		return source, diags
	}
	return string(b), diags
}

// FormatDiagnostics renders diagnostics one per line.
func FormatDiagnostics(diags []Diagnostic) string {
	var sb strings.Builder
	for _, d := range diags {
		sb.WriteString(d.String())
		if d.Suggestion != "" {
			sb.WriteString("\n    ")
			sb.WriteString(d.Suggestion)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
