package command

import (
	"context"

	"github.com/openmesh/kit/endpoint"
)

// Middleware runs every call of the wrapped endpoint as a fresh command
// under key. fallback may be nil; it receives the request and the *Error
// that caused it to run.
func Middleware[Request, Response any](e *Engine, key Key, fallback func(ctx context.Context, request Request, cause error) (Response, error), options ...CommandOption) endpoint.Middleware[Request, Response] {
	return middleware(e, key, nil, fallback, options)
}

// CachedMiddleware is Middleware with request caching. cacheKey derives the
// cache key of each request; within one requestcache.Scope, calls whose
// requests share a cache key share one execution.
func CachedMiddleware[Request, Response any](e *Engine, key Key, cacheKey func(Request) string, fallback func(ctx context.Context, request Request, cause error) (Response, error), options ...CommandOption) endpoint.Middleware[Request, Response] {
	return middleware(e, key, cacheKey, fallback, options)
}

func middleware[Request, Response any](e *Engine, key Key, cacheKey func(Request) string, fallback func(context.Context, Request, error) (Response, error), options []CommandOption) endpoint.Middleware[Request, Response] {
	return func(next endpoint.Endpoint[Request, Response]) endpoint.Endpoint[Request, Response] {
		return func(ctx context.Context, request Request) (Response, error) {
			var fb FallbackFunc[Response]
			if fallback != nil {
				fb = func(ctx context.Context, cause error) (Response, error) {
					return fallback(ctx, request, cause)
				}
			}
			opts := options
			if cacheKey != nil {
				opts = append(opts[:len(opts):len(opts)], WithCacheKey(cacheKey(request)))
			}
			run := func(ctx context.Context) (Response, error) { return next(ctx, request) }
			return Do(ctx, e, key, run, fb, opts...)
		}
	}
}
