package metrics

import (
	"strconv"

	kitmetrics "github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"

	"github.com/openmesh/kit/execution"
)

// Instrumenting is a Sink that records results into go-kit metrics.
//
// Label names: Events takes "command" and "event"; Latency takes "command"
// and "thread"; TotalLatency and CircuitOpen take "command". Latencies are
// observed in seconds.
type Instrumenting struct {
	Events       kitmetrics.Counter
	Latency      kitmetrics.Histogram
	TotalLatency kitmetrics.Histogram
	CircuitOpen  kitmetrics.Gauge
}

// NewInstrumenting returns an Instrumenting sink. Nil metrics are replaced
// with discarding ones.
func NewInstrumenting(events kitmetrics.Counter, latency, totalLatency kitmetrics.Histogram, circuitOpen kitmetrics.Gauge) Instrumenting {
	if events == nil {
		events = discard.NewCounter()
	}
	if latency == nil {
		latency = discard.NewHistogram()
	}
	if totalLatency == nil {
		totalLatency = discard.NewHistogram()
	}
	if circuitOpen == nil {
		circuitOpen = discard.NewGauge()
	}
	return Instrumenting{
		Events:       events,
		Latency:      latency,
		TotalLatency: totalLatency,
		CircuitOpen:  circuitOpen,
	}
}

// Report implements Sink.
func (i Instrumenting) Report(key string, r execution.Result) {
	for _, e := range r.Events() {
		i.Events.With("command", key, "event", e.String()).Add(1)
	}
	if d := r.ExecutionLatency(); d >= 0 {
		i.Latency.With("command", key, "thread", strconv.FormatBool(r.ExecutedInThread())).Observe(d.Seconds())
	}
	i.TotalLatency.With("command", key).Observe(r.TotalLatency().Seconds())
}

// CircuitStateChanged implements CircuitObserver.
func (i Instrumenting) CircuitStateChanged(key string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	i.CircuitOpen.With("command", key).Set(v)
}
