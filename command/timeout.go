package command

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	watchPending int32 = iota
	watchCompleted
	watchTimedOut
)

// timeoutWatcher races a unit of work against a deadline. Exactly one of
// complete and the timer moves it out of pending.
type timeoutWatcher struct {
	status atomic.Int32

	mtx   sync.Mutex
	timer *time.Timer
}

// arm starts the deadline. onTimeout runs on the timer's goroutine if the
// timer wins. Arming a watcher that already left pending does nothing.
func (w *timeoutWatcher) arm(d time.Duration, onTimeout func()) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.status.Load() != watchPending {
		return
	}
	w.timer = time.AfterFunc(d, func() {
		// Taking the lock makes everything written before arm visible.
		w.mtx.Lock()
		won := w.status.CompareAndSwap(watchPending, watchTimedOut)
		w.mtx.Unlock()
		if won {
			onTimeout()
		}
	})
}

// complete claims the outcome for the work side and disarms the timer. It
// reports false if the deadline, or an earlier complete, got there first.
func (w *timeoutWatcher) complete() bool {
	if !w.status.CompareAndSwap(watchPending, watchCompleted) {
		return false
	}
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	return true
}

func (w *timeoutWatcher) timedOut() bool {
	return w.status.Load() == watchTimedOut
}
