// Package endpoint defines an abstraction for calls to remote dependencies.
//
// An Endpoint is a function from a request to a response. Middlewares wrap
// endpoints with cross-cutting behavior: the circuitbreaker package provides
// breaker middlewares, and the command package wraps an endpoint in a full
// isolated, fallback-capable command.
package endpoint
