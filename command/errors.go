package command

import (
	"fmt"

	"github.com/go-stack/stack"
	"github.com/pkg/errors"

	"github.com/openmesh/kit/execution"
)

// Sentinel errors. A failed command returns an *Error; match it against
// these with errors.Is.
var (
	ErrExecutionFailed    = errors.New("execution failed")
	ErrTimeout            = errors.New("timed out")
	ErrShortCircuited     = errors.New("short-circuited")
	ErrThreadPoolRejected = errors.New("thread pool rejected")
	ErrSemaphoreRejected  = errors.New("semaphore rejected")
	ErrBadRequest         = errors.New("bad request")
	ErrUnrecoverable      = errors.New("unrecoverable")
	ErrCancelled          = errors.New("cancelled")

	ErrFallbackMissing  = errors.New("fallback missing")
	ErrFallbackRejected = errors.New("fallback rejected")
	ErrFallbackFailed   = errors.New("fallback failed")

	// ErrAlreadyExecuted is returned, unwrapped, when a command instance is
	// started a second time.
	ErrAlreadyExecuted = errors.New("command already executed")
)

// Kind classifies why the primary path of a command did not succeed.
type Kind int

// Failure kinds.
const (
	KindFailure Kind = iota
	KindTimeout
	KindShortCircuited
	KindThreadPoolRejected
	KindSemaphoreRejected
	KindBadRequest
	KindUnrecoverable
	KindCancelled
)

var kinds = [...]struct {
	sentinel error
	event    execution.EventType
}{
	KindFailure:            {ErrExecutionFailed, execution.Failure},
	KindTimeout:            {ErrTimeout, execution.Timeout},
	KindShortCircuited:     {ErrShortCircuited, execution.ShortCircuited},
	KindThreadPoolRejected: {ErrThreadPoolRejected, execution.ThreadPoolRejected},
	KindSemaphoreRejected:  {ErrSemaphoreRejected, execution.SemaphoreRejected},
	KindBadRequest:         {ErrBadRequest, execution.BadRequest},
	KindUnrecoverable:      {ErrUnrecoverable, execution.Failure},
	KindCancelled:          {ErrCancelled, execution.Cancelled},
}

func (k Kind) String() string { return k.sentinel().Error() }

func (k Kind) sentinel() error { return kinds[k].sentinel }

func (k Kind) event() execution.EventType { return kinds[k].event }

// Error is returned by a command whose primary path failed and whose
// fallback, if attempted, did not produce a value.
type Error struct {
	Key  Key
	Kind Kind

	// Cause is the error returned or raised by the unit of work. It is nil
	// when the work never ran to completion: rejections, short circuits,
	// timeouts.
	Cause error

	// Fallback is why the fallback did not help: ErrFallbackMissing,
	// ErrFallbackRejected, or the fallback's own error. It is nil when no
	// fallback was attempted.
	Fallback error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("command %s: %s", e.Key, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Fallback != nil {
		msg += "; fallback: " + e.Fallback.Error()
	}
	return msg
}

// Is matches the sentinel of e's kind, and ErrFallbackFailed when the
// fallback ran and returned an error.
func (e *Error) Is(target error) bool {
	switch target {
	case e.Kind.sentinel():
		return true
	case ErrFallbackFailed:
		return e.Fallback != nil &&
			!errors.Is(e.Fallback, ErrFallbackMissing) &&
			!errors.Is(e.Fallback, ErrFallbackRejected)
	}
	return false
}

// Unwrap exposes the cause and the fallback error.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

type badRequest struct{ err error }

func (b badRequest) Error() string { return b.err.Error() }
func (b badRequest) Unwrap() error { return b.err }

// BadRequest marks err as the caller's fault. A unit of work that returns
// it skips the fallback and does not count against the circuit.
func BadRequest(err error) error {
	if err == nil {
		return nil
	}
	return badRequest{err}
}

// IsBadRequest reports whether err was marked with BadRequest.
func IsBadRequest(err error) bool {
	var b badRequest
	return errors.As(err, &b)
}

// panicError carries a value recovered from a panicking unit of work.
type panicError struct {
	value interface{}
	stack stack.CallStack
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }
