package execution

import (
	"time"
)

// Result is a snapshot of one command execution. The zero value is an empty
// result for a command that has not started; use it as the starting point
// and build up with the With and Add methods.
type Result struct {
	events           []EventType
	startTime        time.Time
	executionLatency time.Duration
	totalLatency     time.Duration
	err              error
	executedInThread bool
	fromCache        bool
	executed         bool
}

// Start returns a result stamped with the given start time.
func Start(t time.Time) Result {
	return Result{startTime: t}
}

// Add returns a copy of r with the events appended.
func (r Result) Add(events ...EventType) Result {
	if len(events) == 0 {
		return r
	}
	next := make([]EventType, 0, len(r.events)+len(events))
	next = append(next, r.events...)
	next = append(next, events...)
	r.events = next
	return r
}

// WithExecutionLatency returns a copy of r recording how long the unit of
// work ran. It also marks the user code as executed.
func (r Result) WithExecutionLatency(d time.Duration) Result {
	r.executionLatency = d
	r.executed = true
	return r
}

// WithTotalLatency returns a copy of r recording the time from start to the
// terminal transition.
func (r Result) WithTotalLatency(d time.Duration) Result {
	r.totalLatency = d
	return r
}

// WithError returns a copy of r carrying the terminal error.
func (r Result) WithError(err error) Result {
	r.err = err
	return r
}

// InThread returns a copy of r flagged as executed on an isolation worker.
func (r Result) InThread() Result {
	r.executedInThread = true
	return r
}

// FromCache returns a copy of r flagged as served from the request cache.
func (r Result) FromCache() Result {
	r.fromCache = true
	return r
}

// Events returns the ordered events. The slice is a copy.
func (r Result) Events() []EventType {
	out := make([]EventType, len(r.events))
	copy(out, r.events)
	return out
}

// Contains reports whether e was emitted.
func (r Result) Contains(e EventType) bool {
	for _, have := range r.events {
		if have == e {
			return true
		}
	}
	return false
}

// Outcome returns the first outcome event, and false if there is none yet.
func (r Result) Outcome() (EventType, bool) {
	for _, e := range r.events {
		if e.IsOutcome() {
			return e, true
		}
	}
	return 0, false
}

// StartTime is when the command was invoked.
func (r Result) StartTime() time.Time { return r.startTime }

// ExecutionLatency is how long the unit of work ran, or -1 if it never ran.
func (r Result) ExecutionLatency() time.Duration {
	if !r.executed {
		return -1
	}
	return r.executionLatency
}

// TotalLatency is the time between invocation and the terminal transition.
func (r Result) TotalLatency() time.Duration { return r.totalLatency }

// Err is the error the command ended with, if any. A failure masked by a
// successful fallback is not reported here.
func (r Result) Err() error { return r.err }

// ExecutedInThread reports whether the unit of work ran on an isolation
// worker rather than the caller's goroutine.
func (r Result) ExecutedInThread() bool { return r.executedInThread }

// IsResponseFromCache reports whether the response came from the request
// cache.
func (r Result) IsResponseFromCache() bool { return r.fromCache }

// IsSuccessful reports whether the unit of work itself succeeded.
func (r Result) IsSuccessful() bool { return r.Contains(Success) }

// IsFromFallback reports whether the response was produced by the fallback.
func (r Result) IsFromFallback() bool { return r.Contains(FallbackSuccess) }
