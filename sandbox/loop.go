package sandbox

import "sync"

// Loop is the job queue between host goroutines and the runtime. Any
// goroutine may Post; only the goroutine that owns the runtime calls
// RunPending. The queue is unbounded so that a settling host operation never
// blocks on a busy guest.
type Loop struct {
	mu     sync.Mutex
	jobs   []func() error
	closed bool
	notify chan struct{}
}

// NewLoop returns an open, empty loop.
func NewLoop() *Loop {
	return &Loop{notify: make(chan struct{}, 1)}
}

// Post enqueues job. It returns false, dropping the job, once the loop is
// closed.
func (l *Loop) Post(job func() error) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return true
}

// Notify receives a value after one or more jobs were posted.
func (l *Loop) Notify() <-chan struct{} {
	return l.notify
}

// RunPending runs queued jobs, including jobs posted while it runs, until
// the queue is empty. It stops at the first job error.
func (l *Loop) RunPending() (int, error) {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.jobs) == 0 || l.closed {
			l.mu.Unlock()
			return ran, nil
		}
		job := l.jobs[0]
		l.jobs[0] = nil
		l.jobs = l.jobs[1:]
		l.mu.Unlock()

		ran++
		if err := job(); err != nil {
			return ran, err
		}
	}
}

// Len returns the number of queued jobs.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

// Close drops queued jobs and rejects further posts. It is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.jobs = nil
}

// Closed reports whether Close was called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
