// Package health keeps the rolling request statistics a circuit breaker uses
// to decide whether a dependency is healthy.
//
// Each command key owns one Counter. Outcomes are bucketed per second over a
// ten second window using the rolling counters from hystrix-go, so marking
// an outcome only touches the current bucket.
package health
