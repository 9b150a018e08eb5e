package circuitbreaker

import (
	"github.com/sony/gobreaker"

	"github.com/openmesh/kit/execution"
)

// Gobreaker returns a Guard backed by a sony/gobreaker two-step circuit
// breaker. Results that do not count against the dependency are reported
// to it as successes.
//
// See http://godoc.org/github.com/sony/gobreaker for more information.
func Gobreaker(cb *gobreaker.TwoStepCircuitBreaker) Guard {
	return gobreakerGuard{cb: cb}
}

type gobreakerGuard struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func (g gobreakerGuard) Allow() (func(execution.Result), bool) {
	done, err := g.cb.Allow()
	if err != nil {
		return nil, false
	}
	return func(r execution.Result) { done(!failed(r)) }, true
}

func (g gobreakerGuard) IsOpen() bool {
	return g.cb.State() == gobreaker.StateOpen
}
