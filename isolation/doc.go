// Package isolation bounds how many executions of a dependency may be in
// flight at once.
//
// Two gates share one contract. A Semaphore admits work that then runs on
// the caller's goroutine; a ThreadPool admits work onto a fixed set of
// worker goroutines with an optional bounded queue. Neither ever blocks:
// when capacity is exhausted TryAcquire fails and the caller is expected to
// take its rejection path.
//
// Every successful TryAcquire yields a Permit. Permits may be released from
// several racing paths (completion, error, cancellation); only the first
// Release has an effect.
package isolation
