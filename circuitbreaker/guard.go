package circuitbreaker

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/openmesh/kit/endpoint"
	"github.com/openmesh/kit/execution"
)

// ErrOpen is returned by Middleware when the guard refuses a request.
var ErrOpen = errors.New("circuit open")

// Middleware returns an endpoint.Middleware that passes every request
// through g. Only errors returned by the wrapped endpoint count against the
// circuit.
func Middleware[Request, Response any](g Guard) endpoint.Middleware[Request, Response] {
	return func(next endpoint.Endpoint[Request, Response]) endpoint.Endpoint[Request, Response] {
		return func(ctx context.Context, request Request) (Response, error) {
			done, ok := g.Allow()
			if !ok {
				return *new(Response), ErrOpen
			}
			begin := time.Now()
			response, err := next(ctx, request)
			r := execution.Start(begin).WithExecutionLatency(time.Since(begin)).WithError(err)
			if err != nil {
				r = r.Add(execution.Failure)
			} else {
				r = r.Add(execution.Success)
			}
			done(r)
			return response, err
		}
	}
}

// failed reports whether r counts against the dependency: the unit of work
// failed or timed out, or isolation had no capacity for it. Bad requests
// and cancellations say nothing about the dependency.
func failed(r execution.Result) bool {
	for _, e := range r.Events() {
		if e == execution.Failure || e == execution.Timeout || e.IsRejection() {
			return true
		}
	}
	return false
}

func latency(r execution.Result) time.Duration {
	if d := r.ExecutionLatency(); d > 0 {
		return d
	}
	return 0
}
