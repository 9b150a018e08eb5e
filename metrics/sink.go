package metrics

import (
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openmesh/kit/execution"
)

// Sink receives the result of every command that reached a terminal state.
// Report is called synchronously on the goroutine that finished the
// command, so implementations must be fast and safe for concurrent use.
type Sink interface {
	Report(key string, r execution.Result)
}

// CircuitObserver is implemented by sinks that track circuit state. The
// engine calls CircuitStateChanged whenever a circuit opens or closes.
type CircuitObserver interface {
	CircuitStateChanged(key string, open bool)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(key string, r execution.Result)

// Report implements Sink.
func (f SinkFunc) Report(key string, r execution.Result) { f(key, r) }

// Nop returns a Sink that discards everything.
func Nop() Sink { return SinkFunc(func(string, execution.Result) {}) }

// Multi fans out to several sinks, in order.
type Multi []Sink

// Report implements Sink.
func (m Multi) Report(key string, r execution.Result) {
	for _, s := range m {
		s.Report(key, r)
	}
}

// CircuitStateChanged implements CircuitObserver for every member that does.
func (m Multi) CircuitStateChanged(key string, open bool) {
	for _, s := range m {
		if o, ok := s.(CircuitObserver); ok {
			o.CircuitStateChanged(key, open)
		}
	}
}

// NewLogSink returns a Sink that logs each result at debug level. Results
// that ended in an error are logged at warn.
func NewLogSink(logger log.Logger) Sink {
	return SinkFunc(func(key string, r execution.Result) {
		lvl := level.Debug
		if r.Err() != nil {
			lvl = level.Warn
		}
		keyvals := []interface{}{
			"command", key,
			"events", joinEvents(r.Events()),
			"execution_ms", millis(r.ExecutionLatency()),
			"total_ms", r.TotalLatency().Milliseconds(),
		}
		if err := r.Err(); err != nil {
			keyvals = append(keyvals, "err", err)
		}
		lvl(logger).Log(keyvals...)
	})
}

func joinEvents(events []execution.EventType) string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.String()
	}
	return strings.Join(names, ",")
}

// millis keeps -1 for work that never ran.
func millis(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}
