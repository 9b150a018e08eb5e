package isolation

import "sync/atomic"

// Gate is the contract shared by Semaphore and ThreadPool.
type Gate interface {
	// TryAcquire reserves capacity without blocking. It returns false when
	// the gate is full.
	TryAcquire() (*Permit, bool)
}

// Permit is a unit of reserved capacity. Release is idempotent.
type Permit struct {
	released atomic.Bool
	release  func()
}

func newPermit(release func()) *Permit {
	return &Permit{release: release}
}

// Release returns the capacity to its gate. Only the first call has an
// effect; it reports whether this call was the one that released.
func (p *Permit) Release() bool {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return false
	}
	p.release()
	return true
}

// Released reports whether the permit has been released.
func (p *Permit) Released() bool {
	return p.released.Load()
}
