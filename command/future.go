package command

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a handle to the outcome of a queued command.
type Future[T any] struct {
	c   *Command[T]
	err error // set when the command could not be started

	once      sync.Once
	withdrawn atomic.Bool
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done is closed once the outcome is available.
func (f *Future[T]) Done() <-chan struct{} {
	if f.c == nil {
		return closedChan
	}
	return f.c.done
}

// Get waits for the outcome. If ctx is done first, the future is withdrawn
// as if by Cancel and Get returns an error matching ErrCancelled.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if f.c == nil {
		return zero, f.err
	}
	select {
	case <-f.c.done:
		return f.c.value, f.c.err
	default:
	}
	if f.withdrawn.Load() {
		return zero, f.cancelled(context.Canceled)
	}

	select {
	case <-f.c.done:
		return f.c.value, f.c.err
	case <-ctx.Done():
		f.Cancel()
		select {
		case <-f.c.done:
			return f.c.value, f.c.err
		default:
			// Other subscribers keep the command running.
			return zero, f.cancelled(ctx.Err())
		}
	}
}

// Cancel withdraws interest in the outcome. The command itself is cancelled
// once every future observing it has withdrawn; a command answered from the
// request cache keeps running while other callers still wait for it.
// Cancel reports false if the outcome was already available or the future
// was already withdrawn.
func (f *Future[T]) Cancel() bool {
	if f.c == nil {
		return false
	}
	select {
	case <-f.c.done:
		return false
	default:
	}
	won := false
	f.once.Do(func() {
		won = true
		f.withdrawn.Store(true)
		f.c.unsubscribe()
	})
	return won
}

func (f *Future[T]) cancelled(cause error) error {
	return &Error{Key: f.c.key, Kind: KindCancelled, Cause: cause}
}
