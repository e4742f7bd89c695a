package async

import "sync/atomic"

// HandleScope counts guest value handles created while bridging results.
// Every Acquire must be matched by a Release; Live reports the difference.
type HandleScope struct {
	acquired atomic.Int64
	released atomic.Int64
}

// Acquire records a new handle.
func (s *HandleScope) Acquire() {
	s.acquired.Add(1)
}

// Release records a released handle.
func (s *HandleScope) Release() {
	s.released.Add(1)
}

// Live returns handles acquired but not yet released.
func (s *HandleScope) Live() int64 {
	return s.acquired.Load() - s.released.Load()
}

// Acquired returns the total number of handles ever acquired.
func (s *HandleScope) Acquired() int64 {
	return s.acquired.Load()
}
