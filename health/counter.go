package health

import (
	"sync/atomic"
	"time"

	"github.com/afex/hystrix-go/hystrix/rolling"

	"github.com/openmesh/kit/execution"
)

// Counts is a point-in-time view of a Counter.
//
// Total is the number of requests that reached a health decision: successes,
// failures, timeouts and rejections. Short-circuited and bad requests are
// reported separately and do not contribute to Total or Errors.
type Counts struct {
	Total           int64
	Errors          int64
	ErrorPercentage int

	Success            int64
	Failure            int64
	Timeout            int64
	ThreadPoolRejected int64
	SemaphoreRejected  int64
	ShortCircuited     int64
	BadRequest         int64

	MeanLatency time.Duration
	P99Latency  time.Duration
}

type window struct {
	success            *rolling.Number
	failure            *rolling.Number
	timeout            *rolling.Number
	threadPoolRejected *rolling.Number
	semaphoreRejected  *rolling.Number
	shortCircuited     *rolling.Number
	badRequest         *rolling.Number
	latency            *rolling.Timing
}

func newWindow() *window {
	return &window{
		success:            rolling.NewNumber(),
		failure:            rolling.NewNumber(),
		timeout:            rolling.NewNumber(),
		threadPoolRejected: rolling.NewNumber(),
		semaphoreRejected:  rolling.NewNumber(),
		shortCircuited:     rolling.NewNumber(),
		badRequest:         rolling.NewNumber(),
		latency:            rolling.NewTiming(),
	}
}

func (w *window) number(e execution.EventType) *rolling.Number {
	switch e {
	case execution.Success:
		return w.success
	case execution.Failure:
		return w.failure
	case execution.Timeout:
		return w.timeout
	case execution.ThreadPoolRejected:
		return w.threadPoolRejected
	case execution.SemaphoreRejected:
		return w.semaphoreRejected
	case execution.ShortCircuited:
		return w.shortCircuited
	case execution.BadRequest:
		return w.badRequest
	}
	return nil
}

// Counter tracks request outcomes for one command key. It is safe for
// concurrent use. Reset swaps in a fresh window, so counts recorded before a
// reset can never leak into decisions made after it.
type Counter struct {
	w atomic.Pointer[window]
}

// NewCounter returns an empty Counter.
func NewCounter() *Counter {
	c := &Counter{}
	c.w.Store(newWindow())
	return c
}

// MarkResult records every event in r and, if the unit of work ran, its
// latency.
func (c *Counter) MarkResult(r execution.Result) {
	w := c.w.Load()
	for _, e := range r.Events() {
		if n := w.number(e); n != nil {
			n.Increment(1)
		}
	}
	if d := r.ExecutionLatency(); d >= 0 {
		w.latency.Add(d)
	}
}

// Counts sums the current window.
func (c *Counter) Counts() Counts {
	var (
		w   = c.w.Load()
		now = time.Now()
		sum = func(n *rolling.Number) int64 { return int64(n.Sum(now)) }
	)
	counts := Counts{
		Success:            sum(w.success),
		Failure:            sum(w.failure),
		Timeout:            sum(w.timeout),
		ThreadPoolRejected: sum(w.threadPoolRejected),
		SemaphoreRejected:  sum(w.semaphoreRejected),
		ShortCircuited:     sum(w.shortCircuited),
		BadRequest:         sum(w.badRequest),
		MeanLatency:        time.Duration(w.latency.Mean()) * time.Millisecond,
		P99Latency:         time.Duration(w.latency.Percentile(99)) * time.Millisecond,
	}
	counts.Errors = counts.Failure + counts.Timeout + counts.ThreadPoolRejected + counts.SemaphoreRejected
	counts.Total = counts.Success + counts.Errors
	if counts.Total > 0 {
		counts.ErrorPercentage = int(float64(counts.Errors) / float64(counts.Total) * 100)
	}
	return counts
}

// Reset discards all recorded outcomes.
func (c *Counter) Reset() {
	c.w.Store(newWindow())
}
