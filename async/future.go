// Package async bridges host-side asynchronous work into guest promises.
//
// A Future is a host result that becomes available later. The Registry
// tracks every in-flight Future of one evaluation under an opaque operation
// id together with the guest-side handles needed to settle its promise. The
// ProxyFactory creates those promises and delivers settlements back on the
// guest's job loop, never from a background goroutine.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Future is a write-once host result.
type Future struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewFuture returns an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and returns a future for its result. A panic
// in fn settles the future with an error.
func Go(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Complete(nil, fmt.Errorf("host operation panicked: %v", r))
			}
		}()
		v, err := fn(ctx)
		f.Complete(v, err)
	}()
	return f
}

// Resolved returns a future that is already settled with v.
func Resolved(v any) *Future {
	f := NewFuture()
	f.Complete(v, nil)
	return f
}

// Failed returns a future that is already settled with err.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Complete settles the future. Only the first call has an effect; it reports
// whether this call settled it.
func (f *Future) Complete(v any, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = v, err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value. It must only be called after Done is
// closed.
func (f *Future) Result() (any, error) {
	return f.value, f.err
}

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
