// Package sandbox hosts one guest program in an isolated goja runtime.
//
// A Sandbox strips dynamic code loading and timers, denies every global and
// capability member that the host did not install, and exposes host
// functions only as promise-returning members of namespace objects. Every
// host call runs on its own goroutine and settles through the async
// package; the runtime itself is touched only by the goroutine that drives
// the Loop.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"github.com/jonwraymond/vaultscript/async"
	"github.com/jonwraymond/vaultscript/capability"
)

// FunctionsNamespace is the namespace custom functions are installed under.
const FunctionsNamespace = capability.ReservedNamespace

// ContextGlobal is the frozen global holding request context values.
const ContextGlobal = "context"

var errSourceMapsDisabled = errors.New("external source maps are disabled")

// Options configures a sandbox.
type Options struct {
	// Limits bound values crossing the boundary.
	Limits Limits

	// Context becomes the frozen "context" global.
	Context map[string]any

	// Filename names guest programs in stack traces. Defaults to "guest.ts".
	Filename string
}

// Member is a host function exposed as ns.name. Guest arguments are
// marshaled positionally into a map keyed by Params.
type Member struct {
	Namespace string
	Name      string
	Params    []string
	Call      func(ctx context.Context, args map[string]any) (any, error)
}

// Caller executes a declared capability by qualified name.
type Caller interface {
	Call(ctx context.Context, capability string, args map[string]any) (any, error)
}

// Sandbox is a single-use guest environment.
type Sandbox struct {
	ctx      context.Context
	vm       *goja.Runtime
	loop     *Loop
	registry *async.Registry
	proxies  *async.ProxyFactory
	marshal  *Marshaler
	filename string
	inherit  map[string]bool

	// seal makes the global object non-extensible once the program is
	// loaded.
	seal goja.Callable

	namespaces map[string]*namespace

	// hostAccess disables the guards while the host itself reads globals.
	hostAccess bool

	violationMu sync.Mutex
	violation   *SecurityViolation

	closeOnce sync.Once
	abandoned int
}

// New creates a sandbox whose host calls run under ctx.
func New(ctx context.Context, opts Options) (*Sandbox, error) {
	if opts.Filename == "" {
		opts.Filename = "guest.ts"
	}
	vm := goja.New()
	s := &Sandbox{
		ctx:        ctx,
		vm:         vm,
		loop:       NewLoop(),
		registry:   async.NewRegistry(),
		marshal:    NewMarshaler(vm, opts.Limits),
		filename:   opts.Filename,
		namespaces: make(map[string]*namespace),
	}
	s.proxies = async.NewProxyFactory(vm, s.registry, s.loop, async.ProxyOptions{
		ToGuest: s.marshal.ToGuest,
		ToError: s.guestError,
	})
	if err := s.harden(); err != nil {
		return nil, fmt.Errorf("sandbox: harden runtime: %w", err)
	}
	if err := s.installContext(opts.Context); err != nil {
		return nil, fmt.Errorf("sandbox: install context: %w", err)
	}
	return s, nil
}

func (s *Sandbox) harden() error {
	protos, err := s.vm.RunString(`[
		Object.getPrototypeOf(function () {}),
		Object.getPrototypeOf(async function () {}),
		Object.getPrototypeOf(function* () {}),
	]`)
	if err != nil {
		return err
	}
	deny := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		s.deny("Function", "call", "dynamic code evaluation is disabled")
		return goja.Undefined()
	})
	list := protos.ToObject(s.vm)
	for i := 0; i < 3; i++ {
		proto := list.Get(fmt.Sprint(i)).ToObject(s.vm)
		if err := proto.DefineDataProperty("constructor", deny, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE); err != nil {
			return err
		}
	}

	global := s.vm.GlobalObject()
	for name := range deniedGlobals {
		_ = global.Delete(name)
	}

	if err := s.pinGlobalPrototype(); err != nil {
		return err
	}
	seal, ok := goja.AssertFunction(s.vm.Get("Object").ToObject(s.vm).Get("preventExtensions"))
	if !ok {
		return errors.New("Object.preventExtensions is not callable")
	}
	s.seal = seal

	s.inherit = make(map[string]bool)
	objectProto := s.vm.Get("Object").ToObject(s.vm).Get("prototype").ToObject(s.vm)
	for _, name := range objectProto.GetOwnPropertyNames() {
		s.inherit[name] = true
	}
	guard := s.vm.NewDynamicObject(&globalGuard{s: s, inherit: s.inherit})
	return global.SetPrototype(guard)
}

// pinGlobalPrototype keeps the guard at the end of the global object's
// prototype chain: every way of replacing that prototype is a violation.
func (s *Sandbox) pinGlobalPrototype() error {
	pin, err := s.vm.RunString(`(function (g, deny) {
		var setProto = Object.setPrototypeOf;
		var reflectSetProto = Reflect.setPrototypeOf;
		var proto = Object.getOwnPropertyDescriptor(Object.prototype, "__proto__");
		Object.defineProperty(Object, "setPrototypeOf", {
			value: function setPrototypeOf(o, p) { if (o === g) { deny(); return o; } return setProto(o, p); },
			writable: false, configurable: false,
		});
		Object.defineProperty(Reflect, "setPrototypeOf", {
			value: function setPrototypeOf(o, p) { if (o === g) { deny(); return false; } return reflectSetProto(o, p); },
			writable: false, configurable: false,
		});
		Object.defineProperty(Object.prototype, "__proto__", {
			get: proto.get,
			set: function (p) { if (this === g) { deny(); return; } proto.set.call(this, p); },
			enumerable: false, configurable: false,
		});
	})`)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(pin)
	if !ok {
		return errors.New("prototype pin is not callable")
	}
	deny := s.vm.ToValue(func(goja.FunctionCall) goja.Value {
		s.deny("globalThis", "write", "the global object's prototype cannot be replaced")
		return goja.Undefined()
	})
	_, err = fn(goja.Undefined(), s.vm.GlobalObject(), deny)
	return err
}

func (s *Sandbox) installContext(values map[string]any) error {
	if values == nil {
		values = map[string]any{}
	}
	v, err := s.marshal.ToGuest(values)
	if err != nil {
		return err
	}
	freeze, ok := goja.AssertFunction(s.vm.Get("Object").ToObject(s.vm).Get("freeze"))
	if !ok {
		return errors.New("Object.freeze is not callable")
	}
	if err := deepFreeze(s.vm, freeze, v); err != nil {
		return err
	}
	return s.vm.GlobalObject().DefineDataProperty(ContextGlobal, v, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

func deepFreeze(vm *goja.Runtime, freeze goja.Callable, v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	for _, k := range obj.Keys() {
		if err := deepFreeze(vm, freeze, obj.Get(k)); err != nil {
			return err
		}
	}
	_, err := freeze(goja.Undefined(), obj)
	return err
}

// deny records the first violation and interrupts the runtime. Interrupts
// cannot be caught by guest code.
func (s *Sandbox) deny(name, access, reason string) {
	v := &SecurityViolation{Name: name, Access: access, Reason: reason}
	s.violationMu.Lock()
	if s.violation == nil {
		s.violation = v
	}
	v = s.violation
	s.violationMu.Unlock()
	s.vm.Interrupt(v)
}

// Violation returns the first security violation, if any.
func (s *Sandbox) Violation() *SecurityViolation {
	s.violationMu.Lock()
	defer s.violationMu.Unlock()
	return s.violation
}

// Interrupt stops guest execution as soon as possible. The runtime reports
// v as the reason. Safe to call from any goroutine.
func (s *Sandbox) Interrupt(v any) {
	s.vm.Interrupt(v)
}

func (s *Sandbox) guestError(err error) goja.Value {
	obj := s.vm.NewGoError(err)
	if err.Error() == "" {
		_ = obj.Set("message", ErrorMessage(err))
	}
	return obj
}

// Expose installs host members. Each becomes a function returning a promise
// that settles with the host result.
func (s *Sandbox) Expose(members ...Member) error {
	for _, m := range members {
		if m.Namespace == "" || m.Name == "" || m.Call == nil {
			return fmt.Errorf("sandbox: invalid member %q.%q", m.Namespace, m.Name)
		}
		ns, err := s.namespace(m.Namespace)
		if err != nil {
			return err
		}
		if _, dup := ns.members[m.Name]; dup {
			return fmt.Errorf("sandbox: member %s.%s already installed", m.Namespace, m.Name)
		}
		ns.members[m.Name] = s.bridge(m)
	}
	return nil
}

// ExposeCapabilities installs every declaration of set, routed through c.
func (s *Sandbox) ExposeCapabilities(set *capability.DeclarationSet, c Caller) error {
	for _, d := range set.List() {
		name := d.QualifiedName()
		err := s.Expose(Member{
			Namespace: d.Namespace,
			Name:      d.Name,
			Params:    d.ParamNames(),
			Call: func(ctx context.Context, args map[string]any) (any, error) {
				return c.Call(ctx, name, args)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Sandbox) namespace(name string) (*namespace, error) {
	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}
	ns := &namespace{s: s, name: name, inherit: s.inherit, members: make(map[string]goja.Value)}
	obj := s.vm.NewDynamicObject(ns)
	if err := s.vm.GlobalObject().DefineDataProperty(name, obj, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return nil, fmt.Errorf("sandbox: install namespace %s: %w", name, err)
	}
	s.namespaces[name] = ns
	return ns, nil
}

func (s *Sandbox) bridge(m Member) goja.Value {
	return s.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args, err := s.hostArgs(m, call.Arguments)
		if err != nil {
			return s.proxies.CreateProxy(async.Failed(err))
		}
		return s.proxies.CreateProxy(async.Go(s.ctx, func(ctx context.Context) (any, error) {
			return m.Call(ctx, args)
		}))
	})
}

func (s *Sandbox) hostArgs(m Member, values []goja.Value) (map[string]any, error) {
	if len(values) > len(m.Params) {
		return nil, fmt.Errorf("%s.%s expects at most %d arguments, got %d",
			m.Namespace, m.Name, len(m.Params), len(values))
	}
	args := make(map[string]any, len(values))
	for i, v := range values {
		w := &walk{seen: make(map[*goja.Object]bool)}
		hv, err := s.marshal.toHost(v, m.Params[i], 0, w)
		if err != nil {
			return nil, err
		}
		if hv != nil {
			args[m.Params[i]] = hv
		}
	}
	return args, nil
}

// DefineFunctions evaluates a compiled prelude whose completion value is an
// object of guest functions, and installs each under FunctionsNamespace.
func (s *Sandbox) DefineFunctions(js string) error {
	v, err := s.run("functions.js", js)
	if err != nil {
		return err
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return fmt.Errorf("sandbox: function prelude evaluated to %s, want an object", v)
	}
	ns, err := s.namespace(FunctionsNamespace)
	if err != nil {
		return err
	}
	for _, k := range obj.Keys() {
		fn := obj.Get(k)
		if _, ok := goja.AssertFunction(fn); !ok {
			return fmt.Errorf("sandbox: custom function %s is not callable", k)
		}
		if _, dup := ns.members[k]; dup {
			return fmt.Errorf("sandbox: member %s.%s already installed", FunctionsNamespace, k)
		}
		ns.members[k] = fn
	}
	return nil
}

// Load runs a compiled guest program's top level. Afterwards the global
// object is sealed against new properties, so names the host did not
// install stay guarded.
func (s *Sandbox) Load(js string) error {
	if _, err := s.run(s.filename, js); err != nil {
		return err
	}
	if _, err := s.seal(goja.Undefined(), s.vm.GlobalObject()); err != nil {
		return fmt.Errorf("sandbox: seal globals: %w", s.runErr(err))
	}
	return nil
}

func (s *Sandbox) run(name, js string) (goja.Value, error) {
	prg, err := goja.Parse(name, js, parser.WithSourceMapLoader(func(string) ([]byte, error) {
		return nil, errSourceMapsDisabled
	}))
	if err != nil {
		return nil, &GuestError{Name: "SyntaxError", Message: err.Error()}
	}
	p, err := goja.CompileAST(prg, false)
	if err != nil {
		return nil, &GuestError{Name: "SyntaxError", Message: err.Error()}
	}
	v, err := s.vm.RunProgram(p)
	if err != nil {
		return nil, s.runErr(err)
	}
	return v, nil
}

// Call invokes the global function name with no arguments.
func (s *Sandbox) Call(name string) (goja.Value, error) {
	fnv := s.lookup(name)
	fn, ok := goja.AssertFunction(fnv)
	if !ok {
		return nil, &GuestError{Name: "TypeError", Message: fmt.Sprintf("entry point %s is not a function", name)}
	}
	v, err := fn(goja.Undefined())
	if err != nil {
		return nil, s.runErr(err)
	}
	return v, nil
}

// lookup reads an installed global without tripping the guard.
func (s *Sandbox) lookup(name string) goja.Value {
	s.hostAccess = true
	defer func() { s.hostAccess = false }()
	return s.vm.GlobalObject().Get(name)
}

// runErr maps runtime failures to host errors: violations first, then
// interrupt reasons, then guest exceptions.
func (s *Sandbox) runErr(err error) error {
	if v := s.Violation(); v != nil {
		return v
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(error); ok {
			return reason
		}
		return fmt.Errorf("guest interrupted: %v", interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return s.marshal.ExceptionError(ex)
	}
	return err
}

// Settlement is the state of a promise returned by the entry point.
type Settlement int

const (
	SettlementPending Settlement = iota
	SettlementFulfilled
	SettlementRejected
)

// Settle inspects an entry point result. Non-promise values are fulfilled
// immediately. The value is marshaled to the host; a rejection becomes the
// returned error.
func (s *Sandbox) Settle(v goja.Value) (Settlement, any, error) {
	s.hostAccess = true
	defer func() { s.hostAccess = false }()

	if obj, ok := v.(*goja.Object); ok && isPromise(obj) {
		if p, ok := obj.Export().(*goja.Promise); ok {
			switch p.State() {
			case goja.PromiseStatePending:
				return SettlementPending, nil, nil
			case goja.PromiseStateRejected:
				reason := p.Result()
				_, err := s.extract(func() (any, error) { return nil, s.marshal.HostError(reason) })
				return SettlementRejected, nil, err
			}
			v = p.Result()
		}
	}
	hv, err := s.extract(func() (any, error) { return s.marshal.ToHost(v) })
	if err != nil {
		return SettlementRejected, nil, err
	}
	return SettlementFulfilled, hv, nil
}

// extract runs host-side reads of guest values. Getters and proxy traps can
// run guest code; what they throw becomes a guest error.
func (s *Sandbox) extract(fn func() (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e, ok := r.(error)
			if !ok {
				panic(r)
			}
			out, err = nil, s.runErr(e)
		}
	}()
	if ex := s.vm.Try(func() { out, err = fn() }); ex != nil {
		return nil, s.runErr(ex)
	}
	return out, err
}

// Notify fires when host settlements are queued.
func (s *Sandbox) Notify() <-chan struct{} {
	return s.loop.Notify()
}

// RunPending delivers queued settlements into the guest.
func (s *Sandbox) RunPending() (int, error) {
	n, err := s.loop.RunPending()
	if err != nil {
		return n, s.runErr(err)
	}
	if v := s.Violation(); v != nil {
		return n, v
	}
	return n, nil
}

// HasPending reports whether host operations are in flight.
func (s *Sandbox) HasPending() bool { return s.registry.HasPending() }

// PendingCount returns the number of host operations in flight.
func (s *Sandbox) PendingCount() int { return s.registry.PendingCount() }

// Registered returns how many host operations were ever started.
func (s *Sandbox) Registered() int { return s.registry.Registered() }

// Stats returns the operation counters.
func (s *Sandbox) Stats() async.Stats { return s.registry.Stats() }

// LiveHandles returns guest handles not yet released.
func (s *Sandbox) LiveHandles() int64 { return s.registry.LiveHandles() }

// Close disposes of the sandbox: queued settlements are dropped, pending
// operations abandoned and watchers stopped. Results of host operations that
// finish later are discarded. Close is idempotent and returns the number of
// operations that were abandoned.
func (s *Sandbox) Close() int {
	s.closeOnce.Do(func() {
		s.loop.Close()
		s.abandoned = s.registry.Abandon()
		s.proxies.Close()
	})
	return s.abandoned
}
