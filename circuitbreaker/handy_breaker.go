package circuitbreaker

import (
	"sync/atomic"

	"github.com/streadway/handy/breaker"

	"github.com/openmesh/kit/execution"
)

// HandyBreaker returns a Guard backed by the streadway/handy/breaker
// package. Every admitted request is reported to cb as a success or a
// failure, with the unit of work's latency.
//
// handy breakers expose no state, so IsOpen reports whether the most recent
// request was refused.
//
// See http://godoc.org/github.com/streadway/handy/breaker for more
// information.
func HandyBreaker(cb breaker.Breaker) Guard {
	return &handyGuard{cb: cb}
}

type handyGuard struct {
	cb      breaker.Breaker
	refused atomic.Bool
}

func (g *handyGuard) Allow() (func(execution.Result), bool) {
	if !g.cb.Allow() {
		g.refused.Store(true)
		return nil, false
	}
	g.refused.Store(false)
	return func(r execution.Result) {
		if failed(r) {
			g.cb.Failure(latency(r))
		} else {
			g.cb.Success(latency(r))
		}
	}, true
}

func (g *handyGuard) IsOpen() bool { return g.refused.Load() }
