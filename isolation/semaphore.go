package isolation

import "sync/atomic"

// Semaphore is a non-blocking counting semaphore. The limit is read on
// every acquire, so it may change while the semaphore is in use; lowering it
// never revokes permits already handed out.
type Semaphore struct {
	limit func() int
	count atomic.Int64
}

// NewSemaphore returns a Semaphore whose capacity is given by limit.
func NewSemaphore(limit func() int) *Semaphore {
	return &Semaphore{limit: limit}
}

// NewFixedSemaphore returns a Semaphore with a constant capacity.
func NewFixedSemaphore(n int) *Semaphore {
	return NewSemaphore(func() int { return n })
}

// TryAcquire implements Gate.
func (s *Semaphore) TryAcquire() (*Permit, bool) {
	if s.count.Add(1) > int64(s.limit()) {
		s.count.Add(-1)
		return nil, false
	}
	return newPermit(s.release), true
}

func (s *Semaphore) release() {
	s.count.Add(-1)
}

// InFlight returns the number of permits currently held.
func (s *Semaphore) InFlight() int {
	return int(s.count.Load())
}
