package lifecycle

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type fakeTarget struct {
	mu         sync.Mutex
	notify     chan struct{}
	jobs       []func() error
	pending    int
	registered int
	ran        int
	closes     int
}

func newFakeTarget(pending int) *fakeTarget {
	return &fakeTarget{notify: make(chan struct{}, 1), pending: pending, registered: pending}
}

// post schedules a job after d, as a settling host operation would.
func (f *fakeTarget) post(d time.Duration, job func(f *fakeTarget) error) {
	time.AfterFunc(d, func() {
		f.mu.Lock()
		f.jobs = append(f.jobs, func() error { return job(f) })
		f.mu.Unlock()
		select {
		case f.notify <- struct{}{}:
		default:
		}
	})
}

func (f *fakeTarget) Notify() <-chan struct{} { return f.notify }

func (f *fakeTarget) RunPending() (int, error) {
	n := 0
	for {
		f.mu.Lock()
		if len(f.jobs) == 0 {
			f.mu.Unlock()
			return n, nil
		}
		job := f.jobs[0]
		f.jobs = f.jobs[1:]
		f.mu.Unlock()
		n++
		if err := job(); err != nil {
			return n, err
		}
		f.mu.Lock()
		f.ran++
		f.mu.Unlock()
	}
}

// The job helpers below run on the draining goroutine with f.mu unlocked.

func settleOne(f *fakeTarget) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending--
	return nil
}

func (f *fakeTarget) HasPending() bool { return f.PendingCount() > 0 }

func (f *fakeTarget) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeTarget) Registered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered
}

func (f *fakeTarget) Close() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	n := f.pending
	f.pending = 0
	f.jobs = nil
	return n
}

func states(m *Manager) []State {
	var out []State
	for _, tr := range m.History() {
		out = append(out, tr.To)
	}
	return out
}

func TestManager_SettlesWithNothingPending(t *testing.T) {
	target := newFakeTarget(0)
	m := New(target, Options{SettleWindow: 20 * time.Millisecond})
	if m.State() != StateRunning {
		t.Fatalf("initial state = %s", m.State())
	}

	start := time.Now()
	out, err := m.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if out.State != StateSettled {
		t.Errorf("Drain() state = %s, want settled", out.State)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("settled after %v, before the settle window elapsed", elapsed)
	}

	if got := m.Dispose(); got != 0 {
		t.Errorf("Dispose() = %d, want 0", got)
	}
	m.Dispose()
	if target.closes != 1 {
		t.Errorf("target closed %d times, want 1", target.closes)
	}
	want := []State{StateDraining, StateSettled, StateDisposed}
	if got := states(m); !reflect.DeepEqual(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
	if _, err := m.Drain(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Errorf("Drain() after Dispose error = %v", err)
	}
}

func TestManager_WaitsForPendingOperations(t *testing.T) {
	target := newFakeTarget(2)
	target.post(10*time.Millisecond, settleOne)
	target.post(40*time.Millisecond, settleOne)

	m := New(target, Options{SettleWindow: 20 * time.Millisecond, Deadline: time.Now().Add(2 * time.Second)})
	out, err := m.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateSettled || target.ran != 2 {
		t.Errorf("Drain() = %+v after %d jobs, want settled after 2", out, target.ran)
	}
}

func TestManager_NewOperationRestartsSettleWindow(t *testing.T) {
	target := newFakeTarget(1)
	// The first settlement schedules follow-up work, the way a .then
	// callback starts another host call.
	target.post(5*time.Millisecond, func(f *fakeTarget) error {
		f.mu.Lock()
		f.pending--
		f.mu.Unlock()
		f.post(30*time.Millisecond, func(f *fakeTarget) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.registered++
			return nil
		})
		return nil
	})

	m := New(target, Options{SettleWindow: 50 * time.Millisecond})
	start := time.Now()
	out, err := m.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateSettled {
		t.Fatalf("state = %s", out.State)
	}
	if out.Restarts == 0 {
		t.Error("settle window was not restarted by new work")
	}
	if target.ran != 2 {
		t.Errorf("ran %d jobs, want 2: the late job was dropped", target.ran)
	}
	if elapsed := time.Since(start); elapsed < 85*time.Millisecond {
		t.Errorf("settled after %v, want a full window after the last activity", elapsed)
	}
}

func TestManager_TimesOutWithPendingWork(t *testing.T) {
	target := newFakeTarget(1)
	m := New(target, Options{SettleWindow: 10 * time.Millisecond, Deadline: time.Now().Add(40 * time.Millisecond)})

	out, err := m.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateTimedOut || out.Pending != 1 {
		t.Errorf("Drain() = %+v, want timed-out with 1 pending", out)
	}
	if got := m.Dispose(); got != 1 {
		t.Errorf("Dispose() = %d, want 1 abandoned", got)
	}
	want := []State{StateDraining, StateTimedOut, StateDisposed}
	if got := states(m); !reflect.DeepEqual(got, want) {
		t.Errorf("history = %v, want %v", got, want)
	}
}

func TestManager_DeadlineWithNothingPendingSettles(t *testing.T) {
	target := newFakeTarget(0)
	m := New(target, Options{SettleWindow: time.Second, Deadline: time.Now().Add(20 * time.Millisecond)})
	out, err := m.Drain(context.Background())
	if err != nil || out.State != StateSettled {
		t.Errorf("Drain() = %+v, %v", out, err)
	}
}

func TestManager_JobErrorStopsDraining(t *testing.T) {
	target := newFakeTarget(1)
	boom := errors.New("boom")
	target.post(5*time.Millisecond, func(*fakeTarget) error { return boom })

	m := New(target, Options{})
	if _, err := m.Drain(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Drain() error = %v, want boom", err)
	}
	if m.State() != StateDraining {
		t.Errorf("state = %s, want draining", m.State())
	}
	m.Dispose()
	if m.State() != StateDisposed {
		t.Errorf("state = %s, want disposed", m.State())
	}
}

func TestManager_ContextCancellation(t *testing.T) {
	target := newFakeTarget(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out, err := New(target, Options{}).Drain(ctx)
	if err != nil || out.State != StateTimedOut {
		t.Errorf("Drain() = %+v, %v", out, err)
	}
}

func TestManager_CanceledContextReportsInFlightWork(t *testing.T) {
	target := newFakeTarget(1)
	// The settlement is queued but not yet delivered when the caller gives up.
	target.jobs = append(target.jobs, func() error { return settleOne(target) })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(target, Options{SettleWindow: 10 * time.Millisecond})
	out, err := m.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if out.State != StateTimedOut || out.Pending != 1 {
		t.Errorf("Drain() = %+v, want timed-out with 1 pending", out)
	}
	if target.ran != 0 {
		t.Errorf("delivered %d jobs after cancellation, want 0", target.ran)
	}
}

func TestManager_CanceledContextWithNothingInFlightSettles(t *testing.T) {
	target := newFakeTarget(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := New(target, Options{SettleWindow: 10 * time.Millisecond}).Drain(ctx)
	if err != nil || out.State != StateSettled {
		t.Errorf("Drain() = %+v, %v, want settled", out, err)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateRunning:  "running",
		StateDraining: "draining",
		StateSettled:  "settled",
		StateTimedOut: "timed-out",
		StateDisposed: "disposed",
		State(42):     "State(42)",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
