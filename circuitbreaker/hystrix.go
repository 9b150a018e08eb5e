package circuitbreaker

import (
	"time"

	"github.com/afex/hystrix-go/hystrix"

	"github.com/openmesh/kit/execution"
)

// Hystrix returns a Guard backed by the afex/hystrix-go circuit named name.
// hystrix-go keeps its circuits in a process-wide registry; configure them
// with hystrix.ConfigureCommand.
//
// See https://godoc.org/github.com/afex/hystrix-go/hystrix for more
// information.
func Hystrix(name string) (Guard, error) {
	cb, _, err := hystrix.GetCircuit(name)
	if err != nil {
		return nil, err
	}
	return hystrixGuard{cb: cb}, nil
}

type hystrixGuard struct {
	cb *hystrix.CircuitBreaker
}

func (g hystrixGuard) Allow() (func(execution.Result), bool) {
	// ReportEvent fails only when the metrics channel is full, and the event
	// is dropped then, as it is under hystrix.Do.
	if !g.cb.AllowRequest() {
		g.cb.ReportEvent([]string{"short-circuit"}, time.Now(), 0)
		return nil, false
	}
	return func(r execution.Result) {
		if events := hystrixEvents(r); len(events) > 0 {
			g.cb.ReportEvent(events, r.StartTime(), latency(r))
		}
	}, true
}

func (g hystrixGuard) IsOpen() bool { return g.cb.IsOpen() }

// hystrixEvents translates r into hystrix-go's event names. A "success"
// first closes an open hystrix-go circuit, so bad requests report nothing.
func hystrixEvents(r execution.Result) []string {
	var events []string
	for _, e := range r.Events() {
		switch {
		case e == execution.Success:
			events = append(events, "success")
		case e == execution.Failure:
			events = append(events, "failure")
		case e == execution.Timeout:
			events = append(events, "timeout")
		case e.IsRejection():
			events = append(events, "rejected")
		case e == execution.Cancelled:
			events = append(events, "context_canceled")
		case e == execution.FallbackSuccess:
			events = append(events, "fallback-success")
		case e == execution.FallbackFailure:
			events = append(events, "fallback-failure")
		}
	}
	return events
}
