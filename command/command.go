package command

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"github.com/go-stack/stack"

	"github.com/openmesh/kit/config"
	"github.com/openmesh/kit/execution"
	"github.com/openmesh/kit/isolation"
	"github.com/openmesh/kit/requestcache"
)

// RunFunc is a command's unit of work. The context it receives keeps the
// caller's values but not the caller's cancellation; it is cancelled when
// the command times out, is cancelled, or finishes.
type RunFunc[T any] func(ctx context.Context) (T, error)

// FallbackFunc computes a substitute value after the unit of work failed,
// timed out or was rejected. cause is the *Error describing why.
type FallbackFunc[T any] func(ctx context.Context, cause error) (T, error)

type settings struct {
	cacheKey string
	poolKey  string
}

// CommandOption sets an optional parameter for a Command.
type CommandOption func(*settings)

// WithCacheKey enables request caching: within one requestcache.Scope, at
// most one command per key and cache key runs its unit of work.
func WithCacheKey(k string) CommandOption {
	return func(s *settings) { s.cacheKey = k }
}

// WithPoolKey selects the thread pool. Defaults to the command key.
func WithPoolKey(k string) CommandOption {
	return func(s *settings) { s.poolKey = k }
}

type state int32

const (
	notStarted state = iota
	chainCreated
	userCodeExecuted
	terminal
	cancelled
)

// Command is a single execution of a unit of work under a key's circuit
// breaker, isolation gate and timeout. A Command runs at most once; create a
// new one per call.
type Command[T any] struct {
	engine   *Engine
	key      Key
	run      RunFunc[T]
	fallback FallbackFunc[T]
	settings

	state  atomic.Int32
	result atomic.Pointer[execution.Result]

	// Set before the command is shared with any other goroutine.
	start     time.Time
	cfg       config.Command
	ks        *keyState
	hookCtx   context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	runCtx    context.Context
	runCancel context.CancelFunc
	scope     *requestcache.Scope
	watcher   *timeoutWatcher

	origin      atomic.Pointer[Command[T]] // set on a cache hit
	held        atomic.Pointer[Command[T]] // origin's subscription, until released
	permit      atomic.Pointer[isolation.Permit]
	admitted    atomic.Pointer[func(execution.Result)] // the guard's done
	runStart    atomic.Int64 // unix nanos
	subscribers atomic.Int64
	withdrawal  atomic.Pointer[func() bool]

	value T
	err   error
	done  chan struct{}
}

// New returns a command that will run run under key. fallback may be nil.
func New[T any](e *Engine, key Key, run RunFunc[T], fallback FallbackFunc[T], options ...CommandOption) *Command[T] {
	c := &Command[T]{
		engine:   e,
		key:      key,
		run:      run,
		fallback: fallback,
		settings: settings{poolKey: string(key)},
		done:     make(chan struct{}),
	}
	for _, option := range options {
		option(&c.settings)
	}
	return c
}

// Do runs a new command synchronously.
func Do[T any](ctx context.Context, e *Engine, key Key, run RunFunc[T], fallback FallbackFunc[T], options ...CommandOption) (T, error) {
	return New(e, key, run, fallback, options...).Execute(ctx)
}

// Execute runs the command and waits for its outcome. Cancelling ctx
// withdraws the caller.
func (c *Command[T]) Execute(ctx context.Context) (T, error) {
	return c.Queue(ctx).Get(ctx)
}

// Queue starts the command and returns a handle to its outcome. With thread
// isolation it returns once the work is handed to a pool; with semaphore
// isolation the work runs on the calling goroutine, so Queue returns only
// after it finishes. Cancelling ctx withdraws the returned Future.
//
// A second call on the same command returns a Future failing with
// ErrAlreadyExecuted and has no other effect.
func (c *Command[T]) Queue(ctx context.Context) *Future[T] {
	if !c.state.CompareAndSwap(int32(notStarted), int32(chainCreated)) {
		return &Future[T]{err: ErrAlreadyExecuted}
	}

	e := c.engine
	c.start = e.now()
	c.cfg = e.config.Command(string(c.key))
	c.ks = e.state(c.key)
	c.watcher = &timeoutWatcher{}
	initial := execution.Start(c.start)
	c.result.Store(&initial)
	if s, ok := requestcache.FromContext(ctx); ok {
		c.scope = s
	}

	c.hookCtx = e.hooks.OnStart(ctx, c.key)
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(c.hookCtx))
	c.runCtx, c.runCancel = context.WithCancel(c.ctx)

	c.subscribers.Store(1)
	f := &Future[T]{c: c}
	stop := context.AfterFunc(ctx, func() { f.Cancel() })
	c.withdrawal.Store(&stop)

	c.execute()
	return f
}

func (c *Command[T]) execute() {
	if c.cacheKey != "" && c.cfg.RequestCacheEnabled {
		if c.scope == nil {
			level.Debug(c.engine.logger).Log("command", c.key, "cache_key", c.cacheKey, "err", "no request scope in context, executing uncached")
		} else if origin := c.joinCache(); origin != nil {
			c.follow(origin)
			return
		}
	}

	if c.isDone() {
		// Withdrawn before anything was acquired.
		return
	}
	if c.cfg.CircuitBreakerEnabled {
		done, ok := c.ks.guard.Allow()
		if !ok {
			c.fail(c.base(), KindShortCircuited, nil)
			return
		}
		c.admitted.Store(&done)
		if c.withdrawn() {
			return
		}
	}

	if c.cfg.IsolationStrategy == config.Semaphore {
		permit, ok := c.ks.semaphore.TryAcquire()
		if !ok {
			c.fail(c.base(), KindSemaphoreRejected, nil)
			return
		}
		c.permit.Store(permit)
		if c.withdrawn() {
			return
		}
		c.arm()
		c.runUserCode(false)
		return
	}

	pool := c.engine.threadPool(c.poolKey)
	if pool == nil {
		c.fail(c.base(), KindThreadPoolRejected, isolation.ErrPoolClosed)
		return
	}
	if c.withdrawn() {
		return
	}
	permit, ok := pool.TryAcquire()
	if !ok {
		c.fail(c.base(), KindThreadPoolRejected, nil)
		return
	}
	if err := pool.Go(permit, func() { c.runUserCode(true) }); err != nil {
		c.fail(c.base(), KindThreadPoolRejected, err)
		return
	}
	c.arm()
}

// joinCache registers c under its cache key, or returns the command that
// already owns the key.
func (c *Command[T]) joinCache() *Command[T] {
	key := requestcache.Key{Command: string(c.key), CacheKey: c.cacheKey}
	for {
		actual, loaded := c.scope.PutIfAbsent(key, c)
		if !loaded {
			return nil
		}
		origin, ok := actual.(*Command[T])
		if !ok {
			level.Warn(c.engine.logger).Log("command", c.key, "cache_key", c.cacheKey, "err", fmt.Sprintf("cached command returns %T, executing uncached", actual))
			return nil
		}
		if origin.retain() {
			return origin
		}
		// The owner was cancelled by all of its subscribers.
		c.scope.Remove(key, origin)
	}
}

// follow makes c observe origin's outcome instead of running its own work.
func (c *Command[T]) follow(origin *Command[T]) {
	c.origin.Store(origin)
	c.held.Store(origin)
	if c.isDone() {
		// Withdrawn while joining.
		c.releaseOrigin()
		return
	}
	go func() {
		select {
		case <-origin.done:
			r := c.base().Add(execution.ResponseFromCache).FromCache()
			c.finish(terminal, r, origin.value, origin.err)
		case <-c.done:
		}
	}()
}

func (c *Command[T]) arm() {
	if c.cfg.TimeoutEnabled {
		c.watcher.arm(c.cfg.Timeout, c.onTimeout)
	}
}

func (c *Command[T]) onTimeout() {
	c.runCancel()
	if c.isDone() {
		return
	}
	r := c.base()
	if ns := c.runStart.Load(); ns != 0 {
		r = r.WithExecutionLatency(c.engine.now().Sub(time.Unix(0, ns)))
		if c.cfg.IsolationStrategy == config.Thread {
			r = r.InThread()
		}
	}
	c.fail(r, KindTimeout, nil)
}

func (c *Command[T]) runUserCode(inThread bool) {
	if !c.state.CompareAndSwap(int32(chainCreated), int32(userCodeExecuted)) {
		// Timed out in the queue, or cancelled.
		return
	}
	if c.watcher.timedOut() {
		return
	}
	begin := c.engine.now()
	c.runStart.Store(begin.UnixNano())
	v, err := protect(c.runCtx, c.run)
	latency := c.engine.now().Sub(begin)

	if !c.watcher.complete() {
		level.Debug(c.engine.logger).Log("command", c.key, "latency", latency, "err", "result discarded, command already finished")
		return
	}

	r := c.base().WithExecutionLatency(latency)
	if inThread {
		r = r.InThread()
	}
	var zero T
	switch pe, panicked := err.(*panicError); {
	case panicked:
		level.Error(c.engine.logger).Log("command", c.key, "err", pe, "stack", fmt.Sprintf("%+v", pe.stack))
		c.finish(terminal, r.Add(execution.Failure), zero, &Error{Key: c.key, Kind: KindUnrecoverable, Cause: pe})
	case err == nil:
		c.finish(terminal, r.Add(execution.Success), v, nil)
	case IsBadRequest(err):
		c.finish(terminal, r.Add(execution.BadRequest), zero, &Error{Key: c.key, Kind: KindBadRequest, Cause: err})
	default:
		c.fail(r, KindFailure, err)
	}
}

// fail records the failure kind and takes the fallback path.
func (c *Command[T]) fail(r execution.Result, kind Kind, cause error) {
	r = r.Add(kind.event())
	failure := &Error{Key: c.key, Kind: kind, Cause: cause}
	var zero T

	switch {
	case !c.cfg.FallbackEnabled:
		c.finish(terminal, r, zero, failure)
		return
	case c.fallback == nil:
		c.finish(terminal, r.Add(execution.FallbackMissing), zero, &Error{Key: c.key, Kind: kind, Cause: cause, Fallback: ErrFallbackMissing})
		return
	case c.isDone():
		return
	}

	permit, ok := c.ks.fallback.TryAcquire()
	if !ok {
		c.finish(terminal, r.Add(execution.FallbackRejection), zero, &Error{Key: c.key, Kind: kind, Cause: cause, Fallback: ErrFallbackRejected})
		return
	}
	v, err := protect(c.ctx, func(ctx context.Context) (T, error) { return c.fallback(ctx, failure) })
	permit.Release()

	if err != nil {
		level.Warn(c.engine.logger).Log("command", c.key, "failure", kind, "fallback_err", err)
		c.finish(terminal, r.Add(execution.FallbackFailure), zero, &Error{Key: c.key, Kind: kind, Cause: cause, Fallback: err})
		return
	}
	c.finish(terminal, r.Add(execution.FallbackSuccess), v, nil)
}

// cancelExecution ends a command that is still running once it has no
// subscribers left.
func (c *Command[T]) cancelExecution() {
	var zero T
	c.finish(cancelled, c.base().Add(execution.Cancelled), zero, &Error{Key: c.key, Kind: KindCancelled, Cause: context.Canceled})
}

// finish moves c to a final state and cleans up. Only the first caller
// succeeds; later results are dropped.
func (c *Command[T]) finish(to state, r execution.Result, v T, err error) bool {
	for {
		s := state(c.state.Load())
		if s == terminal || s == cancelled || s == notStarted {
			return false
		}
		if c.state.CompareAndSwap(int32(s), int32(to)) {
			break
		}
	}
	c.value, c.err = v, err
	c.cleanup(to, r)
	return true
}

func (c *Command[T]) cleanup(to state, r execution.Result) {
	c.watcher.complete()
	c.cancel()
	if stop := c.withdrawal.Load(); stop != nil {
		(*stop)()
	}

	r = r.WithTotalLatency(c.engine.now().Sub(c.start)).WithError(c.err)
	c.result.Store(&r)
	c.release(r)

	c.ks.health.MarkResult(r)
	c.engine.sink.Report(string(c.key), r)
	if c.scope != nil {
		if c.cfg.RequestLogEnabled {
			c.scope.Record(string(c.key), r)
		}
		if to == cancelled && c.origin.Load() == nil && c.cacheKey != "" {
			c.scope.Remove(requestcache.Key{Command: string(c.key), CacheKey: c.cacheKey}, c)
		}
	}

	switch {
	case to == cancelled:
		c.engine.hooks.OnCancel(c.hookCtx, c.key, r)
	case c.err == nil:
		c.engine.hooks.OnSuccess(c.hookCtx, c.key, r)
	default:
		c.engine.hooks.OnError(c.hookCtx, c.key, r, c.err)
	}

	close(c.done)
	c.releaseOrigin()
}

// release returns the isolation permit and reports r to the guard. Each
// happens at most once, whichever of cleanup and execute gets there first.
func (c *Command[T]) release(r execution.Result) {
	if p := c.permit.Swap(nil); p != nil {
		p.Release()
	}
	if done := c.admitted.Swap(nil); done != nil {
		(*done)(r)
	}
}

// withdrawn reports whether c was cancelled while execute was acquiring.
// Cleanup may have run before the last acquisition was stored, so whatever
// execute still holds is handed back here.
func (c *Command[T]) withdrawn() bool {
	if !c.isDone() {
		return false
	}
	c.release(c.base().Add(execution.Cancelled))
	return true
}

func (c *Command[T]) releaseOrigin() {
	if o := c.held.Swap(nil); o != nil {
		o.unsubscribe()
	}
}

func (c *Command[T]) base() execution.Result { return execution.Start(c.start) }

func (c *Command[T]) isDone() bool {
	s := state(c.state.Load())
	return s == terminal || s == cancelled
}

// retain adds a subscriber unless the command has already lost all of them.
func (c *Command[T]) retain() bool {
	for {
		n := c.subscribers.Load()
		if n <= 0 {
			return false
		}
		if c.subscribers.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *Command[T]) unsubscribe() {
	if c.subscribers.Add(-1) == 0 {
		c.cancelExecution()
	}
}

// protect runs f, converting a panic into a *panicError.
func protect[T any](ctx context.Context, f func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: stack.Trace().TrimRuntime()}
		}
	}()
	return f(ctx)
}

// Result returns the command's current result. Before the command finishes
// it holds only the start time.
func (c *Command[T]) Result() execution.Result {
	if r := c.result.Load(); r != nil {
		return *r
	}
	return execution.Result{}
}

// ExecutionEvents returns the events recorded so far.
func (c *Command[T]) ExecutionEvents() []execution.EventType {
	return c.Result().Events()
}

// IsCircuitBreakerOpen reports whether the circuit of the command's key is
// open.
func (c *Command[T]) IsCircuitBreakerOpen() bool {
	return c.engine.state(c.key).guard.IsOpen()
}

// IsSuccessfulExecution reports whether the unit of work succeeded. For a
// command answered from the request cache it reports on the command that
// did the work.
func (c *Command[T]) IsSuccessfulExecution() bool {
	if o := c.origin.Load(); o != nil && c.IsResponseFromCache() {
		return o.IsSuccessfulExecution()
	}
	return c.Result().IsSuccessful()
}

// IsResponseFromFallback reports whether the returned value came from the
// fallback.
func (c *Command[T]) IsResponseFromFallback() bool {
	if o := c.origin.Load(); o != nil && c.IsResponseFromCache() {
		return o.IsResponseFromFallback()
	}
	return c.Result().IsFromFallback()
}

// ExecutionTimeInMilliseconds returns how long the unit of work ran, or -1
// if it never ran.
func (c *Command[T]) ExecutionTimeInMilliseconds() int64 {
	d := c.Result().ExecutionLatency()
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

// IsResponseFromCache reports whether the command was answered from the
// request cache.
func (c *Command[T]) IsResponseFromCache() bool { return c.Result().IsResponseFromCache() }

// IsResponseTimedOut reports whether the unit of work timed out.
func (c *Command[T]) IsResponseTimedOut() bool { return c.Result().Contains(execution.Timeout) }

// IsResponseShortCircuited reports whether the circuit denied the command.
func (c *Command[T]) IsResponseShortCircuited() bool {
	return c.Result().Contains(execution.ShortCircuited)
}

// IsResponseRejected reports whether the isolation gate had no capacity.
func (c *Command[T]) IsResponseRejected() bool {
	for _, e := range c.Result().Events() {
		if e.IsRejection() {
			return true
		}
	}
	return false
}
