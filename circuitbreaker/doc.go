// Package circuitbreaker implements the circuit breaker pattern.
//
// Circuit breakers prevent thundering herds, and improve resiliency against
// intermittent errors. Every client-side call to a remote dependency should
// be guarded by one.
//
// Circuit is the failure-rate breaker the command package drives: it opens
// when the error percentage over a rolling window crosses a threshold, and
// admits a single test request per sleep window until a success closes it.
//
// Commands consult a Guard before running. Circuit is one; the package also
// adapts third-party breakers (sony/gobreaker, streadway/handy,
// afex/hystrix-go) into Guards, and Middleware puts any Guard in front of a
// plain endpoint.
package circuitbreaker
