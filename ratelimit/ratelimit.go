// Package ratelimit provides endpoint middlewares that bound the rate at
// which requests reach the next endpoint. golang.org/x/time/rate's Limiter
// satisfies both Allower and Waiter.
package ratelimit

import (
	"context"

	"github.com/pkg/errors"

	"github.com/openmesh/kit/endpoint"
)

// ErrLimited is returned in the request path when the rate limiter is
// triggered and the request is rejected.
var ErrLimited = errors.New("rate limit exceeded")

// Allower dictates whether or not a request is acceptable to run.
type Allower interface {
	Allow() bool
}

// NewErroringLimiter returns an endpoint.Middleware that rejects requests
// exceeding the rate with ErrLimited.
func NewErroringLimiter[Request, Response any](limit Allower) endpoint.Middleware[Request, Response] {
	return func(next endpoint.Endpoint[Request, Response]) endpoint.Endpoint[Request, Response] {
		return func(ctx context.Context, request Request) (Response, error) {
			if !limit.Allow() {
				var zero Response
				return zero, ErrLimited
			}
			return next(ctx, request)
		}
	}
}

// Waiter dictates how long a request must be delayed.
type Waiter interface {
	Wait(ctx context.Context) error
}

// NewDelayingLimiter returns an endpoint.Middleware that delays requests
// exceeding the rate. A request whose context ends while it waits fails
// with the Waiter's error.
func NewDelayingLimiter[Request, Response any](limit Waiter) endpoint.Middleware[Request, Response] {
	return func(next endpoint.Endpoint[Request, Response]) endpoint.Endpoint[Request, Response] {
		return func(ctx context.Context, request Request) (Response, error) {
			if err := limit.Wait(ctx); err != nil {
				var zero Response
				return zero, errors.Wrap(err, "rate limit wait")
			}
			return next(ctx, request)
		}
	}
}

// AllowerFunc is an adapter that lets a function operate as if
// it implements Allower
type AllowerFunc func() bool

// Allow makes the adapter implement Allower
func (f AllowerFunc) Allow() bool { return f() }

// WaiterFunc is an adapter that lets a function operate as if
// it implements Waiter
type WaiterFunc func(ctx context.Context) error

// Wait makes the adapter implement Waiter
func (f WaiterFunc) Wait(ctx context.Context) error { return f(ctx) }
