package isolation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Go after Shutdown.
var ErrPoolClosed = errors.New("isolation: thread pool closed")

// PoolSize fixes the shape of a ThreadPool.
//
// CoreSize workers run tasks. MaxQueueSize bounds how many admitted tasks
// may wait for a worker; zero or a negative value disables queueing, so a
// task is admitted only while a worker is free.
type PoolSize struct {
	CoreSize     int
	MaxQueueSize int
}

// PoolOption sets an optional parameter for a ThreadPool.
type PoolOption func(*ThreadPool)

// WithQueueRejectionThreshold caps the queue below MaxQueueSize. The
// threshold is read on every acquire, unlike the queue's capacity which is
// fixed when the pool is created.
func WithQueueRejectionThreshold(threshold func() int) PoolOption {
	return func(p *ThreadPool) { p.threshold = threshold }
}

type task struct {
	permit *Permit
	fn     func()
}

// ThreadPool runs tasks on a fixed set of worker goroutines.
type ThreadPool struct {
	name      string
	size      PoolSize
	threshold func() int
	tasks     chan task
	quit      chan struct{}
	wg        sync.WaitGroup

	mtx    sync.RWMutex // guards closed against in-flight Go calls
	closed bool

	reserved  atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
}

// NewThreadPool starts size.CoreSize workers.
func NewThreadPool(name string, size PoolSize, options ...PoolOption) *ThreadPool {
	if size.CoreSize < 1 {
		size.CoreSize = 1
	}
	if size.MaxQueueSize < 0 {
		size.MaxQueueSize = 0
	}
	p := &ThreadPool{
		name:  name,
		size:  size,
		tasks: make(chan task, size.CoreSize+size.MaxQueueSize),
		quit:  make(chan struct{}),
	}
	for _, option := range options {
		option(p)
	}
	p.wg.Add(size.CoreSize)
	for i := 0; i < size.CoreSize; i++ {
		go p.worker()
	}
	return p
}

// Name returns the pool's key.
func (p *ThreadPool) Name() string { return p.name }

// TryAcquire implements Gate. A permit reserves either a free worker or a
// queue slot; it is released by the worker once the task submitted with it
// returns.
func (p *ThreadPool) TryAcquire() (*Permit, bool) {
	if p.reserved.Add(1) > int64(p.size.CoreSize+p.queueLimit()) {
		p.reserved.Add(-1)
		return nil, false
	}
	return newPermit(func() { p.reserved.Add(-1) }), true
}

func (p *ThreadPool) queueLimit() int {
	limit := p.size.MaxQueueSize
	if p.threshold != nil {
		if t := p.threshold(); t < limit {
			limit = t
		}
	}
	if limit < 0 {
		return 0
	}
	return limit
}

// Go hands fn to a worker. The permit must come from this pool's
// TryAcquire; it is released when fn returns, or immediately if the pool is
// closed.
func (p *ThreadPool) Go(permit *Permit, fn func()) error {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	if p.closed {
		permit.Release()
		return ErrPoolClosed
	}
	// Capacity is reserved, so this send never blocks.
	p.tasks <- task{permit: permit, fn: fn}
	return nil
}

func (p *ThreadPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.run(t)
		case <-p.quit:
			for {
				select {
				case t := <-p.tasks:
					p.run(t)
				default:
					return
				}
			}
		}
	}
}

func (p *ThreadPool) run(t task) {
	p.active.Add(1)
	defer func() {
		t.permit.Release()
		p.active.Add(-1)
		p.completed.Add(1)
	}()
	t.fn()
}

// ActiveCount returns the number of tasks currently running.
func (p *ThreadPool) ActiveCount() int { return int(p.active.Load()) }

// QueueSize returns the number of admitted tasks not yet running.
func (p *ThreadPool) QueueSize() int {
	if n := p.reserved.Load() - p.active.Load(); n > 0 {
		return int(n)
	}
	return 0
}

// CompletedCount returns the number of tasks that have finished.
func (p *ThreadPool) CompletedCount() int64 { return p.completed.Load() }

// Shutdown stops accepting tasks, lets queued tasks finish, and waits for
// the workers to exit or ctx to be done.
func (p *ThreadPool) Shutdown(ctx context.Context) error {
	p.mtx.Lock()
	if !p.closed {
		p.closed = true
		close(p.quit)
	}
	p.mtx.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
