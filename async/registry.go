package async

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Errors returned by the registry.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrNotPending       = errors.New("operation already settled")
)

// OpID is the opaque token correlating a host future with a guest promise.
type OpID string

// Status of an operation.
type Status int

const (
	StatusPending Status = iota
	StatusFulfilled
	StatusRejected
	StatusAbandoned
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFulfilled:
		return "fulfilled"
	case StatusRejected:
		return "rejected"
	case StatusAbandoned:
		return "abandoned"
	}
	return "unknown"
}

// Handles deliver a settlement into the guest. Implementations hold the only
// references to guest values of an operation and must drop them in Release.
//
// Contract:
// - Resolve and Reject are called at most once, on the guest's goroutine.
// - Resolve and Reject release the handles before returning.
// - Release is idempotent and never touches the guest runtime.
type Handles interface {
	Resolve(value any) error
	Reject(err error) error
	Release()
}

// Operation is one in-flight host call.
type Operation struct {
	ID        OpID
	Future    *Future
	Status    Status
	CreatedAt time.Time

	handles Handles
}

// Stats counts registry events over the lifetime of one evaluation.
type Stats struct {
	Registered int `json:"registered"`
	Resolved   int `json:"resolved"`
	Rejected   int `json:"rejected"`
	Cleaned    int `json:"cleaned"`
	Abandoned  int `json:"abandoned"`
}

// Registry tracks the operations of a single evaluation. It is not shared
// between evaluations.
type Registry struct {
	mu    sync.Mutex
	ops   map[OpID]*Operation
	stats Stats
	scope *HandleScope
	now   func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ops:   make(map[OpID]*Operation),
		scope: &HandleScope{},
		now:   time.Now,
	}
}

// Register records a future and the handles that will settle its guest
// promise.
func (r *Registry) Register(f *Future, h Handles) OpID {
	id := OpID(uuid.NewString())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[id] = &Operation{
		ID:        id,
		Future:    f,
		Status:    StatusPending,
		CreatedAt: r.now(),
		handles:   h,
	}
	r.stats.Registered++
	return id
}

// Resolve fulfils the guest promise of a pending operation.
func (r *Registry) Resolve(id OpID, value any) error {
	h, err := r.settle(id, StatusFulfilled)
	if err != nil {
		return err
	}
	return h.Resolve(value)
}

// Reject rejects the guest promise of a pending operation.
func (r *Registry) Reject(id OpID, cause error) error {
	h, err := r.settle(id, StatusRejected)
	if err != nil {
		return err
	}
	return h.Reject(cause)
}

// settle transitions an operation out of pending. The lock is not held while
// the guest runs, since delivery may run guest jobs that register more
// operations.
func (r *Registry) settle(id OpID, status Status) (Handles, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	if op.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, op.Status)
	}
	op.Status = status
	if status == StatusFulfilled {
		r.stats.Resolved++
	} else {
		r.stats.Rejected++
	}
	return op.handles, nil
}

// Cleanup forgets an operation and releases its handles.
func (r *Registry) Cleanup(id OpID) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
		r.stats.Cleaned++
	}
	r.mu.Unlock()
	if ok && op.handles != nil {
		op.handles.Release()
	}
}

// HasPending reports whether any operation awaits settlement.
func (r *Registry) HasPending() bool {
	return r.PendingCount() > 0
}

// PendingCount returns the number of operations awaiting settlement.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, op := range r.ops {
		if op.Status == StatusPending {
			n++
		}
	}
	return n
}

// TimedOutSince returns pending operations older than maxAge, oldest first.
func (r *Registry) TimedOutSince(maxAge time.Duration) []OpID {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-maxAge)
	var old []*Operation
	for _, op := range r.ops {
		if op.Status == StatusPending && !op.CreatedAt.After(cutoff) {
			old = append(old, op)
		}
	}
	sort.Slice(old, func(i, j int) bool { return old[i].CreatedAt.Before(old[j].CreatedAt) })
	out := make([]OpID, len(old))
	for i, op := range old {
		out[i] = op.ID
	}
	return out
}

// Abandon force-cleans every remaining operation, releasing its handles
// without delivering anything. It returns how many were still pending.
func (r *Registry) Abandon() int {
	r.mu.Lock()
	ops := r.ops
	r.ops = make(map[OpID]*Operation)
	pending := 0
	for _, op := range ops {
		if op.Status == StatusPending {
			pending++
			op.Status = StatusAbandoned
			r.stats.Abandoned++
		}
		r.stats.Cleaned++
	}
	r.mu.Unlock()
	for _, op := range ops {
		if op.handles != nil {
			op.handles.Release()
		}
	}
	return pending
}

// Stats returns a snapshot of the registry counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Registered returns how many operations were ever registered. The lifecycle
// manager compares successive values to notice new work.
func (r *Registry) Registered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Registered
}

// HandleScope returns the scope guest handles of this registry are counted in.
func (r *Registry) HandleScope() *HandleScope {
	return r.scope
}

// LiveHandles returns the number of guest handles not yet released.
func (r *Registry) LiveHandles() int64 {
	return r.scope.Live()
}
