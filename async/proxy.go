package async

import (
	"errors"
	"sync"

	"github.com/dop251/goja"
)

// ErrHandleReleased is returned when a settlement arrives for handles that
// were already released.
var ErrHandleReleased = errors.New("guest handle released")

// Poster schedules a job on the guest's goroutine. Post returns false when
// the guest is gone; the job is then dropped.
type Poster interface {
	Post(job func() error) bool
}

// ProxyOptions customise how host results enter the guest.
type ProxyOptions struct {
	// ToGuest converts a host value. Defaults to Runtime.ToValue.
	ToGuest func(v any) (goja.Value, error)

	// ToError converts a host error into a guest error object. Defaults to
	// Runtime.NewGoError.
	ToError func(err error) goja.Value
}

// ProxyFactory turns host futures into guest promises. Resolvers live only in
// the registry, keyed by operation id; guest code can see nothing but the
// promise itself.
type ProxyFactory struct {
	vm       *goja.Runtime
	registry *Registry
	loop     Poster
	toGuest  func(any) (goja.Value, error)
	toError  func(error) goja.Value

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewProxyFactory creates a factory bound to one runtime, registry and loop.
func NewProxyFactory(vm *goja.Runtime, reg *Registry, loop Poster, opts ProxyOptions) *ProxyFactory {
	p := &ProxyFactory{
		vm:       vm,
		registry: reg,
		loop:     loop,
		toGuest:  opts.ToGuest,
		toError:  opts.ToError,
		done:     make(chan struct{}),
	}
	if p.toGuest == nil {
		p.toGuest = func(v any) (goja.Value, error) { return vm.ToValue(v), nil }
	}
	if p.toError == nil {
		p.toError = func(err error) goja.Value { return vm.NewGoError(err) }
	}
	return p
}

// CreateProxy registers f and returns the guest promise that settles with
// it. It must be called on the guest's goroutine.
func (p *ProxyFactory) CreateProxy(f *Future) goja.Value {
	promise, resolve, reject := p.vm.NewPromise()
	h := &promiseHandles{
		resolve: resolve,
		reject:  reject,
		toError: p.toError,
		scope:   p.registry.HandleScope(),
	}
	h.scope.Acquire()
	id := p.registry.Register(f, h)

	p.wg.Add(1)
	go p.watch(id, f)
	return p.vm.ToValue(promise)
}

func (p *ProxyFactory) watch(id OpID, f *Future) {
	defer p.wg.Done()
	select {
	case <-f.Done():
	case <-p.done:
		return
	}
	p.loop.Post(func() error {
		return p.deliver(id, f)
	})
}

// deliver runs on the guest goroutine.
func (p *ProxyFactory) deliver(id OpID, f *Future) error {
	defer p.registry.Cleanup(id)

	v, err := f.Result()
	var derr error
	switch {
	case err != nil:
		derr = p.registry.Reject(id, err)
	default:
		gv, cerr := p.toGuest(v)
		if cerr != nil {
			derr = p.registry.Reject(id, cerr)
		} else {
			derr = p.registry.Resolve(id, gv)
		}
	}
	if errors.Is(derr, ErrNotPending) || errors.Is(derr, ErrUnknownOperation) || errors.Is(derr, ErrHandleReleased) {
		return nil
	}
	return derr
}

// Close stops all watchers. Settlements that arrive afterwards are dropped.
func (p *ProxyFactory) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

type promiseHandles struct {
	mu       sync.Mutex
	resolve  func(any) error
	reject   func(any) error
	toError  func(error) goja.Value
	scope    *HandleScope
	released bool
}

func (h *promiseHandles) take() (resolve, reject func(any) error, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, nil, false
	}
	return h.resolve, h.reject, true
}

func (h *promiseHandles) Resolve(v any) error {
	resolve, _, ok := h.take()
	if !ok {
		return ErrHandleReleased
	}
	defer h.Release()
	return resolve(v)
}

func (h *promiseHandles) Reject(err error) error {
	_, reject, ok := h.take()
	if !ok {
		return ErrHandleReleased
	}
	defer h.Release()
	return reject(h.toError(err))
}

func (h *promiseHandles) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.resolve, h.reject = nil, nil
	h.scope.Release()
}
