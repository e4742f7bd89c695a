package code

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonwraymond/vaultscript/async"
	"github.com/jonwraymond/vaultscript/capability"
	"github.com/jonwraymond/vaultscript/compiler"
	"github.com/jonwraymond/vaultscript/customfn"
	"github.com/jonwraymond/vaultscript/lifecycle"
	"github.com/jonwraymond/vaultscript/sandbox"
)

// errDeadline interrupts guest code that is still running when the budget
// runs out.
var errDeadline = errors.New("evaluation deadline exceeded")

// Evaluator is the main entry point for evaluating guest programs.
//
// Contract:
// - Concurrency: safe for concurrent use; every call gets its own sandbox.
// - Context: cancellation is treated like the hard deadline.
// - Errors: Evaluate never returns an error or panics; failures are folded
// into the Result.
type Evaluator struct {
	cfg Config
}

// NewEvaluator creates an evaluator with the given configuration.
// Returns ErrConfiguration if any required field is missing.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Evaluator{cfg: cfg}, nil
}

// Evaluate compiles and runs req.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (res Result) {
	start := time.Now()
	ev := &evaluation{
		cfg:   &e.cfg,
		req:   req,
		diags: Diagnostics{Errors: []compiler.Diagnostic{}, Warnings: []compiler.Diagnostic{}},
	}
	defer func() {
		if r := recover(); r != nil {
			e.cfg.Logger.Logf("evaluation panicked: %v", r)
			res = ev.fail(FailedExecute, &CodeError{Kind: KindRuntime, Message: fmt.Sprintf("internal error: %v", r)})
		}
		res.Stages = ev.stages
		if ev.caller != nil {
			res.CapabilityCalls = ev.caller.Calls()
		}
		res.Operations = ev.stats
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
		if res.Success {
			e.cfg.Logger.Logf("evaluated with %d capability calls in %dms", len(res.CapabilityCalls), res.ExecutionTimeMs)
		} else {
			e.cfg.Logger.Logf("evaluation failed at %s after %dms: %v", res.Stage, res.ExecutionTimeMs, res.Err)
		}
	}()
	return ev.run(ctx)
}

// Check compiles req.Code without running it.
func (e *Evaluator) Check(ctx context.Context, req Request) Result {
	req.TypesOnly = true
	return e.Evaluate(ctx, req)
}

// evaluation is the state of one Evaluate call.
type evaluation struct {
	cfg *Config
	req Request
	ctx context.Context

	stages []Stage
	diags  Diagnostics

	sb     *sandbox.Sandbox
	mgr    *lifecycle.Manager
	cancel context.CancelFunc
	caller *capabilityCaller
	stats  *async.Stats
	budget time.Duration

	// used lists the custom functions the program references.
	used []string
}

func (ev *evaluation) enter(s Stage) {
	ev.stages = append(ev.stages, s)
}

func (ev *evaluation) run(ctx context.Context) Result {
	defer ev.dispose()

	ev.enter(StageReceived)
	scope := ev.req.Scope
	if scope == "" {
		scope = capability.DefaultScope
	}
	ctx = capability.WithScope(ctx, scope)
	ev.ctx = ctx

	ev.enter(StageCompiling)
	set, err := ev.cfg.Catalog.Resolve(ev.req.AllowedCapabilities)
	if err != nil {
		return ev.fail(FailedCompile, &CodeError{
			Kind:    KindSecurity,
			Message: err.Error(),
			Err:     fmt.Errorf("%w: %w", sandbox.ErrSecurityViolation, err),
		})
	}
	decls := set.Declarations()
	if ev.cfg.Functions != nil {
		fdecls, err := ev.cfg.Functions.Declarations(ctx)
		if err != nil {
			return ev.fail(FailedCompile, &CodeError{
				Kind:    KindRuntime,
				Message: "loading custom functions: " + sandbox.ErrorMessage(err),
				Err:     err,
			})
		}
		decls.Merge(fdecls)
	}
	mode := compiler.ModeFull
	if ev.req.TypesOnly {
		mode = compiler.ModeCheckOnly
	}
	cr := compiler.Compile(ev.req.Code, decls, compiler.Options{
		Mode:         mode,
		RequireEntry: true,
		SourceMap:    true,
	})
	ev.diags = Diagnostics{Errors: cr.Errors(), Warnings: cr.Warnings()}
	if cr.HasErrors() {
		first := ev.diags.Errors[0]
		return ev.fail(FailedCompile, &CodeError{
			Kind:        KindCompile,
			Message:     first.Message,
			Line:        first.Line,
			Column:      first.Column,
			Diagnostics: ev.diags.Errors,
		})
	}
	if ev.req.TypesOnly {
		return Result{Success: true, Diagnostics: ev.diags}
	}
	ev.used = customFunctionRefs(cr.References)

	ev.enter(StageSandboxInitializing)
	ev.budget = ev.timeout()
	// Host calls outlive a canceled caller until dispose, so cancellation
	// is reported as a timeout with the work still in flight.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ev.cancel = cancel
	sb, err := sandbox.New(runCtx, sandbox.Options{Limits: ev.cfg.Limits, Context: ev.req.Context})
	if err != nil {
		return ev.fail(FailedExecute, classify(err))
	}
	ev.sb = sb
	ev.mgr = lifecycle.New(sb, lifecycle.Options{
		SettleWindow: ev.cfg.SettleWindow,
		Deadline:     time.Now().Add(ev.budget),
	})

	ev.caller = newCapabilityCaller(ev.cfg, ev.maxCalls())
	if err := sb.ExposeCapabilities(set, ev.caller); err != nil {
		return ev.fail(FailedExecute, classify(err))
	}
	if err := ev.installFunctions(ctx); err != nil {
		return ev.failRun(err)
	}
	ev.enter(StageCapabilitiesInjected)

	timer := time.AfterFunc(ev.budget, func() { sb.Interrupt(errDeadline) })
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() { sb.Interrupt(errDeadline) })
	defer stop()

	if err := sb.Load(cr.Code); err != nil {
		return ev.failRun(err)
	}
	ev.enter(StageExecuting)
	entry, err := sb.Call(compiler.EntryPoint)
	if err != nil {
		return ev.failRun(err)
	}

	ev.enter(StageDraining)
	out, err := ev.mgr.Drain(ctx)
	if err != nil {
		return ev.failRun(err)
	}
	if out.State == lifecycle.StateTimedOut {
		return ev.timedOut(out.Pending)
	}

	ev.enter(StageResultExtraction)
	state, value, err := sb.Settle(entry)
	if err != nil {
		return ev.failRun(err)
	}
	if state == sandbox.SettlementPending {
		return ev.fail(FailedExecute, &CodeError{
			Kind:    KindRuntime,
			Message: "entry point never settled: its promise is still pending and no operations are in flight",
		})
	}
	return Result{Success: true, Value: value, Diagnostics: ev.diags}
}

func (ev *evaluation) installFunctions(ctx context.Context) error {
	reg := ev.cfg.Functions
	if reg == nil {
		return nil
	}
	if err := ev.sb.Expose(reg.Members()...); err != nil {
		return err
	}
	prelude, _, err := reg.Prelude(ctx)
	if err != nil || prelude == "" {
		return err
	}
	cr := compiler.Compile(prelude, nil, compiler.Options{Filename: "functions.ts", SourceMap: true})
	if cr.HasErrors() {
		return fmt.Errorf("custom functions do not compile:\n%s", compiler.FormatDiagnostics(cr.Errors()))
	}
	return ev.sb.DefineFunctions(cr.Code)
}

// dispose tears the sandbox down. It runs on every exit path once a sandbox
// exists.
func (ev *evaluation) dispose() {
	if ev.sb == nil {
		return
	}
	if abandoned := ev.mgr.Dispose(); abandoned > 0 {
		ev.cfg.Logger.Logf("abandoned %d pending operations", abandoned)
	}
	ev.cancel()
	stats := ev.sb.Stats()
	ev.stats = &stats
	ev.enter(StageDisposed)

	if ev.cfg.Functions != nil && len(ev.used) > 0 {
		if err := ev.cfg.Functions.RecordUsage(context.WithoutCancel(ev.ctx), ev.used); err != nil {
			ev.cfg.Logger.Logf("recording custom function usage: %v", err)
		}
	}
}

func (ev *evaluation) timeout() time.Duration {
	t := ev.req.Timeout
	if t <= 0 {
		t = ev.cfg.DefaultTimeout
	}
	if ev.cfg.MaxTimeout > 0 && t > ev.cfg.MaxTimeout {
		t = ev.cfg.MaxTimeout
	}
	return t
}

// maxCalls resolves the call limit; the request may lower but not raise the
// configured one.
func (ev *evaluation) maxCalls() int {
	n := ev.req.MaxCapabilityCalls
	if ev.cfg.MaxCapabilityCalls > 0 && (n <= 0 || n > ev.cfg.MaxCapabilityCalls) {
		n = ev.cfg.MaxCapabilityCalls
	}
	return n
}

func (ev *evaluation) failRun(err error) Result {
	if errors.Is(err, errDeadline) {
		return ev.timedOut(ev.sb.PendingCount())
	}
	return ev.fail(FailedExecute, classify(err))
}

func (ev *evaluation) timedOut(pending int) Result {
	msg := fmt.Sprintf("evaluation exceeded %v with %d operation(s) pending", ev.budget, pending)
	if ev.ctx.Err() != nil {
		msg = fmt.Sprintf("evaluation canceled with %d operation(s) pending", pending)
	}
	return ev.fail(FailedTimeout, &CodeError{
		Kind:    KindTimeout,
		Message: msg,
		Pending: pending,
	})
}

func (ev *evaluation) fail(stage string, ce *CodeError) Result {
	info := &ErrorInfo{Kind: ce.Kind, Message: ce.Message}
	if ce.Line > 0 {
		info.SourceLocation = &SourceLocation{Line: ce.Line, Column: ce.Column}
	}
	return Result{
		Stage:                 stage,
		Diagnostics:           ev.diags,
		Error:                 info,
		PendingOperationCount: ce.Pending,
		Err:                   ce,
	}
}

// classify maps sandbox and host errors to a CodeError.
func classify(err error) *CodeError {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce
	}
	var violation *sandbox.SecurityViolation
	if errors.As(err, &violation) {
		return &CodeError{Kind: KindSecurity, Message: violation.Error(), Err: err}
	}
	if errors.Is(err, sandbox.ErrSerialization) {
		return &CodeError{Kind: KindSerialization, Message: sandbox.ErrorMessage(err), Err: err}
	}
	var guest *sandbox.GuestError
	if errors.As(err, &guest) {
		return &CodeError{
			Kind:    KindRuntime,
			Message: guest.Error(),
			Line:    guest.Line,
			Column:  guest.Column,
			Err:     err,
		}
	}
	return &CodeError{Kind: KindRuntime, Message: sandbox.ErrorMessage(err), Err: err}
}

func customFunctionRefs(refs []string) []string {
	var out []string
	prefix := capability.ReservedNamespace + "."
	for _, r := range refs {
		name, ok := strings.CutPrefix(r, prefix)
		if !ok || name == customfn.ListMember || name == customfn.RemoveMember {
			continue
		}
		out = append(out, name)
	}
	return out
}
