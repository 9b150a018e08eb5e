package command

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openmesh/kit/circuitbreaker"
	"github.com/openmesh/kit/config"
	"github.com/openmesh/kit/health"
	"github.com/openmesh/kit/isolation"
	"github.com/openmesh/kit/metrics"
)

// Key names a command. Commands sharing a key share health statistics, a
// circuit breaker and semaphores.
type Key string

// Engine owns the per-key state commands run against. Create one per
// process, or one per test, and pass it to every command.
type Engine struct {
	config config.Provider
	logger log.Logger
	sink   metrics.Sink
	hooks  Hooks
	now    func() time.Time
	guard  func(Key) circuitbreaker.Guard

	keys sync.Map // Key -> *keyState

	mtx    sync.Mutex
	pools  map[string]*isolation.ThreadPool
	closed bool
}

type keyState struct {
	health    *health.Counter
	guard     circuitbreaker.Guard
	semaphore isolation.Gate
	fallback  isolation.Gate
}

// Option sets an optional parameter for an Engine.
type Option func(*Engine)

// WithConfig sets the settings provider. Defaults to config.NewStatic().
func WithConfig(p config.Provider) Option {
	return func(e *Engine) { e.config = p }
}

// WithLogger sets the engine's logger. Defaults to a no-op logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSink sets where finished results are reported. If the sink also
// implements metrics.CircuitObserver, it is told about circuit state
// changes.
func WithSink(s metrics.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithHook adds a lifecycle hook. Hooks run in the order they were added.
func WithHook(h Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, h) }
}

// WithClock sets the time source used for latencies and circuit sleep
// windows. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBreaker makes commands consult the guard f returns for their key
// instead of the engine's own circuitbreaker.Circuit. f is called once per
// key. The guard is consulted only while circuitBreaker.enabled is set for
// the key, and the force open and force closed properties do not apply to
// it.
func WithBreaker(f func(Key) circuitbreaker.Guard) Option {
	return func(e *Engine) { e.guard = f }
}

// NewEngine returns an Engine with no per-key state yet.
func NewEngine(options ...Option) *Engine {
	e := &Engine{
		config: config.NewStatic(),
		logger: log.NewNopLogger(),
		sink:   metrics.Nop(),
		now:    time.Now,
		pools:  map[string]*isolation.ThreadPool{},
	}
	for _, option := range options {
		option(e)
	}
	return e
}

func (e *Engine) state(key Key) *keyState {
	if s, ok := e.keys.Load(key); ok {
		return s.(*keyState)
	}
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if s, ok := e.keys.Load(key); ok {
		return s.(*keyState)
	}
	s := e.newState(key)
	e.keys.Store(key, s)
	return s
}

func (e *Engine) newState(key Key) *keyState {
	name := string(key)
	ks := &keyState{
		health:    health.NewCounter(),
		semaphore: isolation.NewSemaphore(func() int { return e.config.Command(name).MaxConcurrentRequests }),
		fallback:  isolation.NewSemaphore(func() int { return e.config.Command(name).FallbackMaxConcurrentRequests }),
	}
	if e.guard != nil {
		ks.guard = e.guard(key)
		return ks
	}
	props := func() circuitbreaker.Properties {
		c := e.config.Command(name)
		return circuitbreaker.Properties{
			RequestVolumeThreshold:   c.RequestVolumeThreshold,
			ErrorThresholdPercentage: c.ErrorThresholdPercentage,
			SleepWindow:              c.SleepWindow,
			ForceOpen:                c.ForceOpen,
			ForceClosed:              c.ForceClosed,
		}
	}
	ks.guard = circuitbreaker.New(name, ks.health, props,
		circuitbreaker.WithClock(e.now),
		circuitbreaker.WithLogger(e.logger),
		circuitbreaker.WithStateListener(e.circuitChanged),
	)
	return ks
}

func (e *Engine) circuitChanged(name string, open bool) {
	if o, ok := e.sink.(metrics.CircuitObserver); ok {
		o.CircuitStateChanged(name, open)
	}
}

// threadPool returns the pool for key, creating it on first use. It returns
// nil once the engine is closed.
func (e *Engine) threadPool(key string) *isolation.ThreadPool {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	if e.closed {
		return nil
	}
	if p, ok := e.pools[key]; ok {
		return p
	}
	c := e.config.ThreadPool(key)
	p := isolation.NewThreadPool(key,
		isolation.PoolSize{CoreSize: c.CoreSize, MaxQueueSize: c.MaxQueueSize},
		isolation.WithQueueRejectionThreshold(func() int { return e.config.ThreadPool(key).QueueSizeRejectionThreshold }),
	)
	e.pools[key] = p
	level.Debug(e.logger).Log("pool", key, "core", c.CoreSize, "queue", c.MaxQueueSize)
	return p
}

// CircuitBreaker returns the guard of key: a *circuitbreaker.Circuit unless
// the engine was built WithBreaker.
func (e *Engine) CircuitBreaker(key Key) circuitbreaker.Guard {
	return e.state(key).guard
}

// ResetCircuitBreaker clears the health of key and closes its circuit, if
// the guard supports being reset.
func (e *Engine) ResetCircuitBreaker(key Key) {
	s := e.state(key)
	if r, ok := s.guard.(interface{ Reset() }); ok {
		r.Reset()
		return
	}
	s.health.Reset()
}

// Health returns the rolling counts of key.
func (e *Engine) Health(key Key) health.Counts {
	return e.state(key).health.Counts()
}

// Keys returns every key a command has run under, sorted.
func (e *Engine) Keys() []Key {
	var keys []Key
	e.keys.Range(func(k, _ interface{}) bool {
		keys = append(keys, k.(Key))
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ThreadPool returns the pool named key, if a command has used it.
func (e *Engine) ThreadPool(key string) (*isolation.ThreadPool, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	p, ok := e.pools[key]
	return p, ok
}

// Close shuts down every thread pool, waiting for running work until ctx is
// done. Thread-isolated commands started afterwards are rejected.
func (e *Engine) Close(ctx context.Context) error {
	e.mtx.Lock()
	e.closed = true
	pools := make([]*isolation.ThreadPool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	e.mtx.Unlock()

	for _, p := range pools {
		if err := p.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}
