package command_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/config"
	"github.com/openmesh/kit/execution"
)

// recorder is a metrics.Sink and metrics.CircuitObserver that remembers
// everything it is told.
type recorder struct {
	mtx     sync.Mutex
	results []execution.Result
	changes []bool
}

func (r *recorder) Report(_ string, res execution.Result) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) CircuitStateChanged(_ string, open bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.changes = append(r.changes, open)
}

func (r *recorder) all() []execution.Result {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]execution.Result(nil), r.results...)
}

func (r *recorder) stateChanges() []bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return append([]bool(nil), r.changes...)
}

func newEngine(mutate func(*config.Command), options ...command.Option) (*command.Engine, *config.Static, *recorder) {
	var (
		cfg = config.NewStatic()
		c   = config.Defaults()
		rec = &recorder{}
	)
	if mutate != nil {
		mutate(&c)
	}
	cfg.SetDefault(c)
	options = append([]command.Option{command.WithConfig(cfg), command.WithSink(rec)}, options...)
	return command.NewEngine(options...), cfg, rec
}

func semaphoreIsolation(c *config.Command) {
	c.IsolationStrategy = config.Semaphore
	c.TimeoutEnabled = false
}

func events(r execution.Result) string {
	var names []string
	for _, e := range r.Events() {
		names = append(names, e.String())
	}
	return strings.Join(names, ",")
}

func outcomes(r execution.Result) (outcome, fallback int) {
	for _, e := range r.Events() {
		switch {
		case e.IsOutcome():
			outcome++
		case e.IsFallback():
			fallback++
		}
	}
	return outcome, fallback
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

type clock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

// guard admits every request and remembers each result reported to it.
type guard struct {
	mtx     sync.Mutex
	reports []execution.Result
}

func (g *guard) Allow() (func(execution.Result), bool) {
	return func(r execution.Result) {
		g.mtx.Lock()
		defer g.mtx.Unlock()
		g.reports = append(g.reports, r)
	}, true
}

func (g *guard) IsOpen() bool { return false }

func (g *guard) all() []execution.Result {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return append([]execution.Result(nil), g.reports...)
}

// slowConfig delays every settings read after the first, so a caller that
// withdraws right away does so while the command is still acquiring.
type slowConfig struct {
	*config.Static
	reads atomic.Int64
}

func (s *slowConfig) Command(key string) config.Command {
	if s.reads.Add(1) > 1 {
		time.Sleep(5 * time.Millisecond)
	}
	return s.Static.Command(key)
}

type hookKey struct{}

// hook tags the context with the command key and counts lifecycle calls.
type hook struct {
	command.NopHook
	starts, successes, errors, cancels atomic.Int64
}

func (h *hook) OnStart(ctx context.Context, key command.Key) context.Context {
	h.starts.Add(1)
	return context.WithValue(ctx, hookKey{}, key)
}

func (h *hook) OnSuccess(context.Context, command.Key, execution.Result) { h.successes.Add(1) }

func (h *hook) OnError(context.Context, command.Key, execution.Result, error) { h.errors.Add(1) }

func (h *hook) OnCancel(context.Context, command.Key, execution.Result) { h.cancels.Add(1) }
