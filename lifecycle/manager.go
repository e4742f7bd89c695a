// Package lifecycle decides how long a sandbox stays alive after its entry
// point returns.
//
// A host operation can settle before the guest has processed the job that
// fulfils its promise, so "nothing pending" is not the same as "done". The
// Manager keeps pumping the guest's job loop for a trailing settle window
// after the last pending operation cleared, restarting the window whenever
// new work appears, and gives up with a timeout once the hard deadline passes
// while operations are still pending.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultSettleWindow is used when Options.SettleWindow is zero.
const DefaultSettleWindow = 100 * time.Millisecond

// ErrDisposed is returned by Drain after Dispose.
var ErrDisposed = errors.New("lifecycle: disposed")

// State of a managed sandbox.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateSettled
	StateTimedOut
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateSettled:
		return "settled"
	case StateTimedOut:
		return "timed-out"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Target is what the manager drives.
//
// Contract:
// - RunPending is only called from the goroutine that calls Drain.
// - Registered never decreases.
// - Close is idempotent and returns how many operations it abandoned.
type Target interface {
	Notify() <-chan struct{}
	RunPending() (int, error)
	HasPending() bool
	PendingCount() int
	Registered() int
	Close() int
}

// Options configures a Manager.
type Options struct {
	// SettleWindow is the trailing period with no pending operations after
	// which the target counts as settled.
	SettleWindow time.Duration

	// Deadline is the hard wall-clock limit. Zero means no limit.
	Deadline time.Time
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Outcome summarises a completed Drain.
type Outcome struct {
	State State

	// Pending is the number of operations still pending when draining
	// stopped. It is non-zero only for StateTimedOut.
	Pending int

	// Restarts counts how often the settle window was restarted.
	Restarts int
}

// Manager is the lifecycle state machine of one sandbox. It is not safe for
// concurrent Drain calls; Dispose and State may be called from anywhere.
type Manager struct {
	target Target
	settle time.Duration
	limit  time.Time

	mu        sync.Mutex
	state     State
	history   []Transition
	abandoned int
	now       func() time.Time
}

// New returns a manager in StateRunning.
func New(target Target, opts Options) *Manager {
	if opts.SettleWindow <= 0 {
		opts.SettleWindow = DefaultSettleWindow
	}
	return &Manager{
		target: target,
		settle: opts.SettleWindow,
		limit:  opts.Deadline,
		state:  StateRunning,
		now:    time.Now,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every transition so far.
func (m *Manager) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

func (m *Manager) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisposed || m.state == to {
		return false
	}
	m.history = append(m.history, Transition{From: m.state, To: to, At: m.now()})
	m.state = to
	return true
}

// Drain pumps the target until it settles, the deadline passes with work
// still pending, ctx ends, or a job fails. A job error is returned as is and
// leaves the manager draining; the caller disposes.
func (m *Manager) Drain(ctx context.Context) (Outcome, error) {
	if m.State() == StateDisposed {
		return Outcome{State: StateDisposed}, ErrDisposed
	}
	m.transition(StateDraining)

	var deadline <-chan time.Time
	if !m.limit.IsZero() {
		t := time.NewTimer(time.Until(m.limit))
		defer t.Stop()
		deadline = t.C
	}

	var (
		window  *time.Timer
		windowC <-chan time.Time
	)
	stopWindow := func() {
		if window != nil {
			window.Stop()
			window, windowC = nil, nil
		}
	}
	startWindow := func() {
		stopWindow()
		window = time.NewTimer(m.settle)
		windowC = window.C
	}
	defer stopWindow()

	var out Outcome
	seen := m.target.Registered()
	for {
		if ctx.Err() != nil {
			return m.abort(out)
		}
		ran, err := m.target.RunPending()
		if err != nil {
			return out, err
		}
		registered := m.target.Registered()
		switch {
		case m.target.HasPending():
			stopWindow()
		case window == nil:
			startWindow()
		case ran > 0 || registered != seen:
			out.Restarts++
			startWindow()
		}
		seen = registered

		select {
		case <-m.target.Notify():
		case <-windowC:
			window, windowC = nil, nil
			ran, err := m.target.RunPending()
			if err != nil {
				return out, err
			}
			if ran > 0 || m.target.Registered() != seen || m.target.HasPending() {
				out.Restarts++
				continue
			}
			m.transition(StateSettled)
			out.State = StateSettled
			return out, nil
		case <-deadline:
			return m.expire(out)
		case <-ctx.Done():
			return m.abort(out)
		}
	}
}

// expire ends draining at the deadline. With nothing pending the target is
// as settled as it will get.
func (m *Manager) expire(out Outcome) (Outcome, error) {
	if _, err := m.target.RunPending(); err != nil {
		return out, err
	}
	if n := m.target.PendingCount(); n > 0 {
		m.transition(StateTimedOut)
		out.State = StateTimedOut
		out.Pending = n
		return out, nil
	}
	m.transition(StateSettled)
	out.State = StateSettled
	return out, nil
}

// abort ends draining because the caller gave up. Operations in flight at
// that moment count as pending and nothing more is delivered; with none in
// flight it behaves like expire.
func (m *Manager) abort(out Outcome) (Outcome, error) {
	if n := m.target.PendingCount(); n > 0 {
		m.transition(StateTimedOut)
		out.State = StateTimedOut
		out.Pending = n
		return out, nil
	}
	return m.expire(out)
}

// Dispose closes the target, abandoning whatever is still pending. It is
// idempotent and returns the number of operations abandoned by the first
// call.
func (m *Manager) Dispose() int {
	m.mu.Lock()
	if m.state == StateDisposed {
		n := m.abandoned
		m.mu.Unlock()
		return n
	}
	m.mu.Unlock()

	n := m.target.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateDisposed {
		m.history = append(m.history, Transition{From: m.state, To: StateDisposed, At: m.now()})
		m.state = StateDisposed
		m.abandoned = n
	}
	return m.abandoned
}
