package code

import (
	"time"

	"github.com/jonwraymond/vaultscript/async"
	"github.com/jonwraymond/vaultscript/compiler"
)

// Stage is a step of an evaluation.
type Stage string

const (
	StageReceived             Stage = "received"
	StageCompiling            Stage = "compiling"
	StageSandboxInitializing  Stage = "sandbox-initializing"
	StageCapabilitiesInjected Stage = "capabilities-injected"
	StageExecuting            Stage = "executing-entry-point"
	StageDraining             Stage = "draining"
	StageResultExtraction     Stage = "result-extraction"
	StageDisposed             Stage = "disposed"
)

// Failure stages reported in Result.Stage.
const (
	FailedCompile = "compile"
	FailedExecute = "execute"
	FailedTimeout = "timeout"
)

// Request is one evaluation.
type Request struct {
	// Code is the guest program. It must declare an async function main.
	Code string `json:"code"`

	// AllowedCapabilities lists "ns.name" or "ns.*" entries. Anything not
	// listed is unreachable from guest code.
	AllowedCapabilities []string `json:"allowedCapabilities"`

	// Context becomes the frozen "context" global.
	Context map[string]any `json:"context,omitempty"`

	// Scope selects the vault and its custom functions. Defaults to
	// capability.DefaultScope.
	Scope string `json:"vaultScope,omitempty"`

	// TypesOnly checks the program without running it.
	TypesOnly bool `json:"typesOnly,omitempty"`

	// Timeout is the hard budget of the execution. If zero, the
	// evaluator's default applies.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxCapabilityCalls limits capability invocations. If zero, the
	// evaluator's configured limit applies (or unlimited if none).
	MaxCapabilityCalls int `json:"maxCapabilityCalls,omitempty"`
}

// Diagnostics splits compiler output by severity.
type Diagnostics struct {
	Errors   []compiler.Diagnostic `json:"errors"`
	Warnings []compiler.Diagnostic `json:"warnings"`
}

// SourceLocation points into the guest program.
type SourceLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// ErrorInfo describes a failure for the caller.
type ErrorInfo struct {
	Kind           Kind            `json:"kind"`
	Message        string          `json:"message"`
	SourceLocation *SourceLocation `json:"sourceLocation,omitempty"`
}

// CapabilityCall captures information about a single capability invocation
// during an evaluation.
type CapabilityCall struct {
	// Capability is the qualified name, e.g. "notes.get".
	Capability string `json:"capability"`

	// Args contains the arguments passed to the capability.
	Args map[string]any `json:"args,omitempty"`

	// Structured contains the result of a successful call.
	Structured any `json:"structured,omitempty"`

	// Error contains the error message if the call failed.
	Error string `json:"error,omitempty"`

	// DurationMs is the execution time in milliseconds.
	DurationMs int64 `json:"durationMs"`
}

// Result is the outcome of an evaluation.
type Result struct {
	Success bool `json:"success"`

	// Stage is "compile", "execute" or "timeout" on failure.
	Stage string `json:"stage,omitempty"`

	// Value is the marshaled value the entry point resolved to.
	Value any `json:"result"`

	ExecutionTimeMs int64       `json:"executionTimeMs"`
	Diagnostics     Diagnostics `json:"diagnostics"`
	Error           *ErrorInfo  `json:"error,omitempty"`

	// PendingOperationCount is set on timeouts.
	PendingOperationCount int `json:"pendingOperationCount"`

	// CapabilityCalls records all capability invocations.
	CapabilityCalls []CapabilityCall `json:"capabilityCalls,omitempty"`

	// Operations are the async registry counters of the sandbox.
	Operations *async.Stats `json:"operations,omitempty"`

	// Stages lists the stages the evaluation went through.
	Stages []Stage `json:"-"`

	// Err is the classified failure, nil on success.
	Err error `json:"-"`
}
