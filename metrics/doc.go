// Package metrics reports finished command executions.
//
// The engine hands every terminal execution.Result to a Sink. Instrumenting
// turns results into go-kit metrics (counters per event, latency histograms
// and a circuit state gauge), so any go-kit metrics backend can be plugged
// in; NewPrometheus wires the common Prometheus case.
package metrics
