package metrics

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// NewPrometheus returns an Instrumenting sink whose metrics are registered
// with reg. It panics if any of them is already registered.
func NewPrometheus(reg stdprometheus.Registerer, namespace, subsystem string) Instrumenting {
	events := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_total",
		Help:      "Command execution events.",
	}, []string{"command", "event"})
	latency := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "execution_latency_seconds",
		Help:      "Time spent in the unit of work.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{"command", "thread"})
	total := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "total_latency_seconds",
		Help:      "Time from start to terminal state, fallback included.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{"command"})
	open := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "circuit_open",
		Help:      "1 while the command's circuit is open.",
	}, []string{"command"})
	reg.MustRegister(events, latency, total, open)

	return NewInstrumenting(
		kitprometheus.NewCounter(events),
		kitprometheus.NewHistogram(latency),
		kitprometheus.NewHistogram(total),
		kitprometheus.NewGauge(open),
	)
}
