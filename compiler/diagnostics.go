package compiler

import (
	"fmt"
	"sort"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic codes. Where a TypeScript code with the same meaning exists it
// is reused so that agents familiar with tsc recognise it.
const (
	CodeSyntax             = 1005
	CodeModuleImport       = 1202
	CodeMissingEntryPoint  = 2305
	CodeNotAssignable      = 2322
	CodeUnknownMember      = 2339
	CodeArgumentType       = 2345
	CodeArgumentCount      = 2554
	CodeMissingAwait       = 80006
	CodePossiblyNull       = 18047
	CodeInvalidDeclaration = 90001
)

// Diagnostic is a single compiler message anchored to the original source.
type Diagnostic struct {
	Code       int      `json:"code"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
	Line       int      `json:"line"`
	Column     int      `json:"column"`
	Suggestion string   `json:"suggestion,omitempty"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%d:%d %s TS%d: %s", d.Line, d.Column, d.Severity, d.Code, d.Message)
}

// suggestions maps diagnostic codes to a human-readable fix.
var suggestions = map[int]string{
	CodeSyntax:            "Check for a missing bracket, parenthesis or semicolon near this location.",
	CodeModuleImport:      "Modules cannot be loaded inside the sandbox; use the injected capability namespaces instead.",
	CodeMissingEntryPoint: "Declare `async function main() { ... }` and return the result from it.",
	CodeNotAssignable:     "Change the annotation or convert the value to the declared type.",
	CodeUnknownMember:     "Check the capability name against the declarations or add it to the allowed capabilities.",
	CodeArgumentType:      "Convert the argument to the parameter type, e.g. String(x) or Number(x).",
	CodeArgumentCount:     "Pass exactly the parameters declared by the capability signature.",
	CodeMissingAwait:      "Capability calls return a Promise; add `await` before the call.",
	CodePossiblyNull:      "Add an explicit guard such as `if (!value) return null;` or use optional chaining `value?.prop`.",
}

// SuggestionFor returns the generic suggestion for a diagnostic code.
func SuggestionFor(code int) string {
	return suggestions[code]
}

// CompilationResult is the immutable output of Compile.
type CompilationResult struct {
	// Code is the emitted JavaScript. Empty in check-only mode or when the
	// program has errors.
	Code string

	// Diagnostics are ordered by source position.
	Diagnostics []Diagnostic

	// References lists the namespaced members the program calls, such as
	// "notes.get" or "functions.summarize", deduplicated and sorted.
	References []string
}

// HasErrors reports whether any diagnostic has error severity.
func (r CompilationResult) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns the error-severity diagnostics.
func (r CompilationResult) Errors() []Diagnostic {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity diagnostics.
func (r CompilationResult) Warnings() []Diagnostic {
	return r.filter(SeverityWarning)
}

func (r CompilationResult) filter(sev Severity) []Diagnostic {
	out := make([]Diagnostic, 0)
	for _, d := range r.Diagnostics {
		if d.Severity == sev {
			out = append(out, d)
		}
	}
	return out
}

func sortDiagnostics(diags []Diagnostic) {
	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].Line != diags[j].Line {
			return diags[i].Line < diags[j].Line
		}
		return diags[i].Column < diags[j].Column
	})
}
