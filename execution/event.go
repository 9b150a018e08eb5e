package execution

// EventType is something that happened during a command execution.
type EventType int

// Events emitted by commands. Every Result holds exactly one outcome event
// (see IsOutcome) and at most one fallback event.
const (
	Success EventType = iota
	Failure
	Timeout
	ShortCircuited
	ThreadPoolRejected
	SemaphoreRejected
	FallbackSuccess
	FallbackMissing
	FallbackFailure
	FallbackRejection
	Cancelled
	ResponseFromCache
	BadRequest
)

var eventNames = [...]string{
	Success:            "SUCCESS",
	Failure:            "FAILURE",
	Timeout:            "TIMEOUT",
	ShortCircuited:     "SHORT_CIRCUITED",
	ThreadPoolRejected: "THREAD_POOL_REJECTED",
	SemaphoreRejected:  "SEMAPHORE_REJECTED",
	FallbackSuccess:    "FALLBACK_SUCCESS",
	FallbackMissing:    "FALLBACK_MISSING",
	FallbackFailure:    "FALLBACK_FAILURE",
	FallbackRejection:  "FALLBACK_REJECTION",
	Cancelled:          "CANCELLED",
	ResponseFromCache:  "RESPONSE_FROM_CACHE",
	BadRequest:         "BAD_REQUEST",
}

// EventTypes lists every event type in declaration order.
func EventTypes() []EventType {
	types := make([]EventType, len(eventNames))
	for i := range eventNames {
		types[i] = EventType(i)
	}
	return types
}

func (e EventType) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "UNKNOWN"
	}
	return eventNames[e]
}

// IsOutcome reports whether the event decides how the primary execution
// ended. Fallback events are not outcomes; they follow a failure outcome.
func (e EventType) IsOutcome() bool {
	switch e {
	case Success, Failure, Timeout, ShortCircuited, ThreadPoolRejected,
		SemaphoreRejected, BadRequest, ResponseFromCache, Cancelled:
		return true
	}
	return false
}

// IsFallback reports whether the event describes the fallback.
func (e EventType) IsFallback() bool {
	switch e {
	case FallbackSuccess, FallbackMissing, FallbackFailure, FallbackRejection:
		return true
	}
	return false
}

// IsRejection reports whether the event is a capacity rejection.
func (e EventType) IsRejection() bool {
	return e == ThreadPoolRejected || e == SemaphoreRejected
}
