package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeHandles struct {
	mu       sync.Mutex
	scope    *HandleScope
	resolved []any
	rejected []error
	released int
}

func newFakeHandles(scope *HandleScope) *fakeHandles {
	scope.Acquire()
	return &fakeHandles{scope: scope}
}

func (h *fakeHandles) Resolve(v any) error {
	h.mu.Lock()
	h.resolved = append(h.resolved, v)
	h.mu.Unlock()
	h.Release()
	return nil
}

func (h *fakeHandles) Reject(err error) error {
	h.mu.Lock()
	h.rejected = append(h.rejected, err)
	h.mu.Unlock()
	h.Release()
	return nil
}

func (h *fakeHandles) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released == 0 {
		h.scope.Release()
	}
	h.released++
}

func TestRegistry_EveryOperationSettlesAndCleansOnce(t *testing.T) {
	r := NewRegistry()
	const n = 10
	ids := make([]OpID, n)
	handles := make([]*fakeHandles, n)
	for i := range ids {
		handles[i] = newFakeHandles(r.HandleScope())
		ids[i] = r.Register(NewFuture(), handles[i])
	}
	if got := r.PendingCount(); got != n {
		t.Fatalf("PendingCount() = %d, want %d", got, n)
	}

	for i, id := range ids {
		var err error
		if i%2 == 0 {
			err = r.Resolve(id, i)
		} else {
			err = r.Reject(id, fmt.Errorf("op %d failed", i))
		}
		if err != nil {
			t.Fatalf("settle %d: %v", i, err)
		}
		r.Cleanup(id)
	}

	stats := r.Stats()
	if stats.Registered != n || stats.Resolved+stats.Rejected != n || stats.Cleaned != n {
		t.Errorf("Stats() = %+v", stats)
	}
	if stats.Resolved != n/2 || stats.Rejected != n/2 {
		t.Errorf("Stats() = %+v, want even split", stats)
	}
	if r.HasPending() {
		t.Error("HasPending() = true after settling everything")
	}
	if live := r.LiveHandles(); live != 0 {
		t.Errorf("LiveHandles() = %d, want 0", live)
	}
	for i, h := range handles {
		if len(h.resolved)+len(h.rejected) != 1 {
			t.Errorf("handles %d delivered %d times", i, len(h.resolved)+len(h.rejected))
		}
	}
}

func TestRegistry_SettleErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.Resolve("nope", 1); !errors.Is(err, ErrUnknownOperation) {
		t.Errorf("Resolve(unknown) error = %v", err)
	}

	h := newFakeHandles(r.HandleScope())
	id := r.Register(NewFuture(), h)
	if err := r.Resolve(id, 1); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := r.Reject(id, errors.New("late")); !errors.Is(err, ErrNotPending) {
		t.Errorf("second settle error = %v, want ErrNotPending", err)
	}
	r.Cleanup(id)
	r.Cleanup(id)
	if got := r.Stats().Cleaned; got != 1 {
		t.Errorf("Cleaned = %d, want 1", got)
	}
	if len(h.rejected) != 0 {
		t.Error("rejection delivered after resolution")
	}
}

func TestRegistry_TimedOutSince(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	old := r.Register(NewFuture(), newFakeHandles(r.HandleScope()))
	now = base.Add(2 * time.Second)
	fresh := r.Register(NewFuture(), newFakeHandles(r.HandleScope()))
	settled := r.Register(NewFuture(), newFakeHandles(r.HandleScope()))
	_ = r.Resolve(settled, nil)

	now = base.Add(3 * time.Second)
	got := r.TimedOutSince(2 * time.Second)
	if len(got) != 1 || got[0] != old {
		t.Errorf("TimedOutSince(2s) = %v, want [%s]", got, old)
	}
	got = r.TimedOutSince(time.Second)
	if len(got) != 2 || got[0] != old || got[1] != fresh {
		t.Errorf("TimedOutSince(1s) = %v, want oldest first", got)
	}
}

func TestRegistry_AbandonReleasesEverything(t *testing.T) {
	r := NewRegistry()
	a := newFakeHandles(r.HandleScope())
	b := newFakeHandles(r.HandleScope())
	r.Register(NewFuture(), a)
	r.Register(NewFuture(), b)

	if got := r.Abandon(); got != 2 {
		t.Errorf("Abandon() = %d, want 2", got)
	}
	if r.HasPending() {
		t.Error("HasPending() = true after Abandon")
	}
	if live := r.LiveHandles(); live != 0 {
		t.Errorf("LiveHandles() = %d, want 0", live)
	}
	if len(a.resolved)+len(a.rejected)+len(b.resolved)+len(b.rejected) != 0 {
		t.Error("Abandon must not deliver results")
	}
	if r.Stats().Abandoned != 2 {
		t.Errorf("Stats() = %+v", r.Stats())
	}
}

func TestFuture(t *testing.T) {
	f := Go(context.Background(), func(context.Context) (any, error) { return 42, nil })
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Errorf("Wait() = %v, %v", v, err)
	}
	if f.Complete(1, nil) {
		t.Error("Complete() on settled future reported success")
	}

	p := Go(context.Background(), func(context.Context) (any, error) { panic("kaboom") })
	<-p.Done()
	if _, err := p.Result(); err == nil {
		t.Error("panic not turned into an error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := NewFuture().Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v", err)
	}
}
