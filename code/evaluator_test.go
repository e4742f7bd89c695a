package code

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/vaultscript/compiler"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/sandbox"
)

func TestEvaluate_ReturnsValue(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{Code: `async function main(){ return 40+2 }`})

	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Error)
	}
	if res.Value != int64(42) {
		t.Errorf("Value = %#v, want 42", res.Value)
	}
	if len(res.Diagnostics.Errors) != 0 || len(res.Diagnostics.Warnings) != 0 {
		t.Errorf("Diagnostics = %+v, want empty", res.Diagnostics)
	}
	want := []Stage{
		StageReceived, StageCompiling, StageSandboxInitializing, StageCapabilitiesInjected,
		StageExecuting, StageDraining, StageResultExtraction, StageDisposed,
	}
	if !reflect.DeepEqual(res.Stages, want) {
		t.Errorf("Stages = %v, want %v", res.Stages, want)
	}
	if res.Operations == nil || res.Operations.Registered != 0 {
		t.Errorf("Operations = %+v, want zero registered", res.Operations)
	}
}

func TestEvaluate_ForbiddenCapability(t *testing.T) {
	e, f := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code: `async function main(){ const r = await forbidden.call(); return r; }`,
	})

	ce := requireKind(t, res, FailedExecute, KindSecurity)
	if res.Value != nil {
		t.Errorf("Value = %v, want no partial result", res.Value)
	}
	if !errors.Is(res.Err, ErrSecurity) || !errors.Is(res.Err, sandbox.ErrSecurityViolation) {
		t.Errorf("Err = %v, want security sentinels", res.Err)
	}
	if !strings.Contains(ce.Message, "forbidden") {
		t.Errorf("Message = %q, want the denied name", ce.Message)
	}
	if f.calls.Load() != 0 {
		t.Errorf("capability calls = %d, want 0", f.calls.Load())
	}
}

func TestEvaluate_DeniedMemberOfAllowedNamespace(t *testing.T) {
	e, f := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code:                `async function main(){ await kv.get("x"); return await kv["fail"]("no"); }`,
		AllowedCapabilities: []string{"kv.get"},
	})
	requireKind(t, res, FailedExecute, KindSecurity)
	if f.calls.Load() > 1 {
		t.Errorf("capability calls = %d, want at most the allowed one", f.calls.Load())
	}
}

func TestEvaluate_UnknownAllowListEntry(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code:                `async function main(){ return 1 }`,
		AllowedCapabilities: []string{"kv.*", "forbidden.call"},
	})
	requireKind(t, res, FailedCompile, KindSecurity)
	if len(res.Stages) != 2 {
		t.Errorf("Stages = %v, want no sandbox", res.Stages)
	}
}

func TestEvaluate_PromiseAllPairing(t *testing.T) {
	e, f := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{Code: `
async function main() {
  const [a, b] = await Promise.all([kv.get("x"), kv.get("y")]);
  return { a, b };
}`})

	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Error)
	}
	want := map[string]any{"a": "value-x", "b": "value-y"}
	if !reflect.DeepEqual(res.Value, want) {
		t.Errorf("Value = %#v, want %#v", res.Value, want)
	}
	if f.calls.Load() != 2 || len(res.CapabilityCalls) != 2 {
		t.Fatalf("calls = %d, trace = %d, want 2", f.calls.Load(), len(res.CapabilityCalls))
	}
	// y settles first.
	if res.CapabilityCalls[0].Args["key"] != "y" {
		t.Errorf("first completed call = %+v, want key y", res.CapabilityCalls[0])
	}
	ops := res.Operations
	if ops.Registered != 2 || ops.Resolved != 2 || ops.Cleaned != 2 || ops.Abandoned != 0 {
		t.Errorf("Operations = %+v", ops)
	}
}

func TestEvaluate_TimeoutWithPendingOperation(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	start := time.Now()
	res := evaluate(t, e, Request{
		Code:    `async function main(){ return await kv.hang(); }`,
		Timeout: 100 * time.Millisecond,
	})

	ce := requireKind(t, res, FailedTimeout, KindTimeout)
	if res.PendingOperationCount != 1 || ce.Pending != 1 {
		t.Errorf("PendingOperationCount = %d, want 1", res.PendingOperationCount)
	}
	if !errors.Is(res.Err, ErrTimeout) || !errors.Is(res.Err, ErrLimitExceeded) {
		t.Errorf("Err = %v, want timeout sentinels", res.Err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("returned after %v, before the budget", elapsed)
	}
	if res.Operations.Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1", res.Operations.Abandoned)
	}
	if last := res.Stages[len(res.Stages)-1]; last != StageDisposed {
		t.Errorf("last stage = %s, want disposed", last)
	}

	next := evaluate(t, e, Request{Code: `async function main(){ return 40+2 }`})
	if !next.Success || next.Value != int64(42) {
		t.Errorf("next evaluation = %+v, want unaffected", next)
	}
}

func TestEvaluate_InfiniteLoopIsInterrupted(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code:    `async function main(){ while (true) {} }`,
		Timeout: 50 * time.Millisecond,
	})
	requireKind(t, res, FailedTimeout, KindTimeout)
	if res.PendingOperationCount != 0 {
		t.Errorf("PendingOperationCount = %d, want 0", res.PendingOperationCount)
	}
}

func TestEvaluate_TypesOnlyNeverExecutes(t *testing.T) {
	e, f := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code:      "async function main() {\n  return await kv.get(42);\n}",
		TypesOnly: true,
	})

	requireKind(t, res, FailedCompile, KindCompile)
	if len(res.Diagnostics.Errors) == 0 {
		t.Fatal("expected diagnostics")
	}
	d := res.Diagnostics.Errors[0]
	if d.Code != compiler.CodeArgumentType || d.Line != 2 || d.Column == 0 {
		t.Errorf("diagnostic = %+v, want argument type error on line 2", d)
	}
	if res.Error.SourceLocation == nil || res.Error.SourceLocation.Line != 2 {
		t.Errorf("SourceLocation = %+v", res.Error.SourceLocation)
	}
	if !reflect.DeepEqual(res.Stages, []Stage{StageReceived, StageCompiling}) {
		t.Errorf("Stages = %v, want no sandbox", res.Stages)
	}
	if res.Operations != nil || f.calls.Load() != 0 {
		t.Errorf("Operations = %v, calls = %d, want nothing executed", res.Operations, f.calls.Load())
	}

	ok := e.Check(context.Background(), Request{
		Code:                `async function main(){ return await kv.get("a"); }`,
		AllowedCapabilities: []string{"kv.*"},
	})
	if !ok.Success || ok.Value != nil || len(ok.Stages) != 2 {
		t.Errorf("Check = %+v, want success without execution", ok)
	}
}

func TestEvaluate_CompileErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want int
	}{
		{"syntax", `async function main( {`, compiler.CodeSyntax},
		{"missing entry point", `async function helper(){ return 1 }`, compiler.CodeMissingEntryPoint},
		{"module import", "import fs from \"fs\";\nasync function main(){ return 1 }", compiler.CodeModuleImport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEvaluator(t, nil)
			res := evaluate(t, e, Request{Code: tt.code})
			ce := requireKind(t, res, FailedCompile, KindCompile)
			found := false
			for _, d := range ce.Diagnostics {
				found = found || d.Code == tt.want
			}
			if !found {
				t.Errorf("Diagnostics = %v, want code %d", ce.Diagnostics, tt.want)
			}
		})
	}
}

func TestEvaluate_RuntimeErrors(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		contains string
		line     int
	}{
		{
			name:     "guest exception",
			code:     "async function main() {\n  throw new TypeError(\"bad input\");\n}",
			contains: "TypeError: bad input",
			line:     2,
		},
		{
			name:     "uncaught capability rejection",
			code:     `async function main(){ return await kv.fail("backend down"); }`,
			contains: "backend down",
		},
		{
			name:     "thrown non-error",
			code:     `async function main(){ throw { code: 7 }; }`,
			contains: `"code":7`,
		},
		{
			name:     "entry point never settles",
			code:     `async function main(){ await new Promise(() => {}); }`,
			contains: "never settled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEvaluator(t, nil)
			res := evaluate(t, e, Request{Code: tt.code})
			ce := requireKind(t, res, FailedExecute, KindRuntime)
			if !strings.Contains(ce.Message, tt.contains) {
				t.Errorf("Message = %q, want it to contain %q", ce.Message, tt.contains)
			}
			if tt.line > 0 && (res.Error.SourceLocation == nil || res.Error.SourceLocation.Line != tt.line) {
				t.Errorf("SourceLocation = %+v, want line %d", res.Error.SourceLocation, tt.line)
			}
		})
	}
}

func TestEvaluate_CaughtRejection(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{Code: `
async function main() {
  try {
    await kv.fail("boom");
    return "unreachable";
  } catch (e) {
    return "caught: " + e.message;
  }
}`})
	if !res.Success {
		t.Fatalf("Success = false: %+v", res.Error)
	}
	got, _ := res.Value.(string)
	if !strings.HasPrefix(got, "caught: ") || !strings.Contains(got, "boom") {
		t.Errorf("Value = %q", got)
	}
	if len(res.CapabilityCalls) != 1 || res.CapabilityCalls[0].Error == "" {
		t.Errorf("CapabilityCalls = %+v, want one failed call", res.CapabilityCalls)
	}
	if res.Operations.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", res.Operations.Rejected)
	}
}

func TestEvaluate_OpaqueResultValues(t *testing.T) {
	tests := []struct {
		name   string
		code   string
		reason string
	}{
		{"unawaited capability", `async function main(){ return { p: kv.get("x") }; }`, "not awaited"},
		{"unawaited in array", `async function main(){ return [kv.get("y")]; }`, "not awaited"},
		{"map", `async function main(){ return new Map(); }`, "Map"},
		{"set", `async function main(){ return { tags: new Set(["a"]) }; }`, "Set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEvaluator(t, nil)
			res := evaluate(t, e, Request{Code: tt.code})
			ce := requireKind(t, res, FailedExecute, KindSerialization)
			if !strings.Contains(ce.Message, tt.reason) {
				t.Errorf("Message = %q, want it to mention %q", ce.Message, tt.reason)
			}
		})
	}
}

func TestEvaluate_ThrowingGetterInResult(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"async main", `async function main(){ return { get a() { throw new Error("getter failed"); } }; }`},
		{"sync main", `function main(){ return { get a() { throw new Error("getter failed"); } }; }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEvaluator(t, nil)
			res := evaluate(t, e, Request{Code: tt.code})
			ce := requireKind(t, res, FailedExecute, KindRuntime)
			if !strings.Contains(ce.Message, "getter failed") || strings.Contains(ce.Message, "internal error") {
				t.Errorf("Message = %q, want the guest error", ce.Message)
			}
			if res.Error.SourceLocation == nil {
				t.Errorf("SourceLocation = nil, want the getter's position")
			}
		})
	}
}

func TestEvaluate_GlobalPrototypeIsPinned(t *testing.T) {
	tests := []string{
		`async function main(){ Object.setPrototypeOf(globalThis, null); return await forbidden.call(); }`,
		`async function main(){ Object.setPrototypeOf(globalThis, { forbidden: { call: async () => "replaced" } }); return await forbidden.call(); }`,
	}
	for _, code := range tests {
		e, _ := newTestEvaluator(t, nil)
		res := evaluate(t, e, Request{Code: code})
		requireKind(t, res, FailedExecute, KindSecurity)
	}
}

func TestEvaluate_SerializationError(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{Code: `async function main(){ return { f: () => 1 }; }`})
	ce := requireKind(t, res, FailedExecute, KindSerialization)
	if !strings.Contains(ce.Message, "$.f") {
		t.Errorf("Message = %q, want the offending path", ce.Message)
	}
	if !errors.Is(res.Err, sandbox.ErrSerialization) {
		t.Errorf("Err = %v, want ErrSerialization", res.Err)
	}
}

func TestEvaluate_MaxCapabilityCalls(t *testing.T) {
	e, f := newTestEvaluator(t, func(c *Config) { c.MaxCapabilityCalls = 1 })
	res := evaluate(t, e, Request{Code: `
async function main() {
  await kv.get("y");
  return await kv.get("y");
}`})
	requireKind(t, res, FailedExecute, KindRuntime)
	if !errors.Is(res.Err, ErrLimitExceeded) {
		t.Errorf("Err = %v, want ErrLimitExceeded", res.Err)
	}
	if f.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", f.calls.Load())
	}
}

func TestEvaluate_ContextGlobal(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	res := evaluate(t, e, Request{
		Code:    `async function main(){ return context.user + ":" + context.limits.max; }`,
		Context: map[string]any{"user": "ada", "limits": map[string]any{"max": 3}},
	})
	if !res.Success || res.Value != "ada:3" {
		t.Errorf("Result = %+v", res)
	}
}

func TestEvaluate_CustomFunctionRoundTrip(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	ctx := context.Background()
	_, err := e.cfg.Functions.Upsert(ctx, customfn.Definition{
		Name:       "double",
		Parameters: []customfn.Parameter{{Name: "n", Type: "number"}},
		ReturnType: "number",
		Code:       "return n * 2;",
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	res := evaluate(t, e, Request{Code: `async function main(){ return await functions.double(21); }`})
	if !res.Success || res.Value != int64(42) {
		t.Fatalf("call = %+v, want 42", res)
	}
	def, err := e.cfg.Functions.Get(ctx, "double")
	if err != nil || def.UsageCount != 1 {
		t.Errorf("Get() = %+v, %v, want usage recorded", def, err)
	}

	res = evaluate(t, e, Request{Code: `
async function main() {
  const before = await functions.list();
  const removed = await functions.remove("double");
  return { count: before.length, removed };
}`})
	want := map[string]any{"count": int64(1), "removed": true}
	if !res.Success || !reflect.DeepEqual(res.Value, want) {
		t.Fatalf("remove = %+v, want %v", res, want)
	}

	res = evaluate(t, e, Request{Code: `async function main(){ return await functions.double(1); }`})
	ce := requireKind(t, res, FailedCompile, KindCompile)
	if ce.Diagnostics[0].Code != compiler.CodeUnknownMember {
		t.Errorf("Diagnostics = %v, want unknown member", ce.Diagnostics)
	}
}

func TestEvaluate_CustomFunctionCallsCapability(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	_, err := e.cfg.Functions.Upsert(context.Background(), customfn.Definition{
		Name:       "both",
		ReturnType: "string",
		Code:       "const [a, b] = await Promise.all([kv.get(\"x\"), kv.get(\"y\")]);\nreturn a + \"|\" + b;",
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	res := evaluate(t, e, Request{Code: `async function main(){ return await functions.both(); }`})
	if !res.Success || res.Value != "value-x|value-y" {
		t.Fatalf("Result = %+v", res)
	}

	// The function body is still bound by the caller's allow-list.
	res = evaluate(t, e, Request{
		Code:                `async function main(){ return await functions.both(); }`,
		AllowedCapabilities: []string{},
	})
	requireKind(t, res, FailedExecute, KindSecurity)
}

func TestEvaluate_ConcurrentEvaluationsAreIsolated(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Evaluate(context.Background(), Request{
				Code:                `async function main(){ return context.i + ":" + (await kv.get("y")); }`,
				AllowedCapabilities: []string{"kv.get"},
				Context:             map[string]any{"i": i},
				Timeout:             2 * time.Second,
			})
		}()
	}
	wg.Wait()
	for i, res := range results {
		want := fmt.Sprintf("%d:value-y", i)
		if !res.Success || res.Value != want {
			t.Errorf("result %d = %+v, want %q", i, res, want)
		}
		if res.Operations == nil || res.Operations.Cleaned != 1 {
			t.Errorf("result %d: Operations = %+v", i, res.Operations)
		}
	}
}

func TestEvaluate_CanceledContext(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := e.Evaluate(ctx, Request{
		Code:                `async function main(){ return await kv.hang(); }`,
		AllowedCapabilities: []string{"kv.*"},
		Timeout:             5 * time.Second,
	})
	ce := requireKind(t, res, FailedTimeout, KindTimeout)
	if res.PendingOperationCount != 1 {
		t.Errorf("PendingOperationCount = %d, want 1", res.PendingOperationCount)
	}
	if !strings.Contains(ce.Message, "canceled") {
		t.Errorf("Message = %q, want it to mention cancellation", ce.Message)
	}
}

func TestEvaluate_CanceledBusyLoop(t *testing.T) {
	e, _ := newTestEvaluator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	res := e.Evaluate(ctx, Request{
		Code:                `async function main(){ for (;;) {} }`,
		AllowedCapabilities: []string{"kv.*"},
		Timeout:             5 * time.Second,
	})
	requireKind(t, res, FailedTimeout, KindTimeout)
	if res.ExecutionTimeMs >= 5000 {
		t.Errorf("ExecutionTimeMs = %d, want the loop stopped at cancellation", res.ExecutionTimeMs)
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"pendingOperationCount":0`) {
		t.Errorf("timeout result %s lacks pendingOperationCount", data)
	}
}
