package circuitbreaker

import (
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openmesh/kit/execution"
	"github.com/openmesh/kit/health"
)

// Guard decides whether a command may attempt its unit of work. When Allow
// admits a request it returns a done function, which must be called exactly
// once with the request's result.
type Guard interface {
	Allow() (done func(execution.Result), ok bool)

	// IsOpen reports whether the guard is currently refusing requests.
	IsOpen() bool
}

// HealthSource supplies the rolling statistics a Circuit evaluates.
// *health.Counter implements it.
type HealthSource interface {
	Counts() health.Counts
	Reset()
}

// Properties tune a Circuit. They are read on every decision, so the
// function passed to New may return different values over time.
type Properties struct {
	RequestVolumeThreshold   int
	ErrorThresholdPercentage int
	SleepWindow              time.Duration
	ForceOpen                bool
	ForceClosed              bool
}

// Option sets an optional parameter for a Circuit.
type Option func(*Circuit)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Circuit) { c.now = now }
}

// WithLogger sets the logger state changes are reported to.
func WithLogger(logger log.Logger) Option {
	return func(c *Circuit) { c.logger = logger }
}

// WithStateListener registers a function called after every state change,
// with open set to the new state.
func WithStateListener(f func(name string, open bool)) Option {
	return func(c *Circuit) { c.listener = f }
}

// Circuit is the failure-rate circuit breaker used by commands.
//
// A closed circuit opens once the request volume in the rolling window
// reaches RequestVolumeThreshold and the error percentage reaches
// ErrorThresholdPercentage. An open circuit rejects requests until
// SleepWindow has elapsed since it opened or was last tested, then lets one
// request through. A success closes it again and resets the health counts.
type Circuit struct {
	name     string
	health   HealthSource
	props    func() Properties
	now      func() time.Time
	logger   log.Logger
	listener func(name string, open bool)

	open               atomic.Bool
	openedOrLastTested atomic.Int64 // unix millis
}

// New returns a closed Circuit named name.
func New(name string, h HealthSource, props func() Properties, options ...Option) *Circuit {
	c := &Circuit{
		name:   name,
		health: h,
		props:  props,
		now:    time.Now,
		logger: log.NewNopLogger(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Name returns the name the circuit was created with.
func (c *Circuit) Name() string { return c.name }

// Allow implements Guard. A success reported to done closes an open
// circuit. Other outcomes reach the circuit through its HealthSource.
func (c *Circuit) Allow() (func(execution.Result), bool) {
	if !c.AllowRequest() {
		return nil, false
	}
	return c.done, true
}

func (c *Circuit) done(r execution.Result) {
	if r.IsSuccessful() {
		c.MarkSuccess()
	}
}

// AllowRequest reports whether a request may proceed. While the circuit is
// open it admits a single test request per sleep window.
func (c *Circuit) AllowRequest() bool {
	p := c.props()
	if p.ForceOpen {
		return false
	}
	if p.ForceClosed {
		// Keep the open/closed bookkeeping current even though the
		// answer is fixed.
		c.IsOpen()
		return true
	}
	return !c.IsOpen() || c.allowSingleTest(p)
}

func (c *Circuit) allowSingleTest(p Properties) bool {
	last := c.openedOrLastTested.Load()
	now := c.millis()
	if c.open.Load() && now > last+p.SleepWindow.Milliseconds() {
		// Only the caller that moves the timestamp gets the test.
		return c.openedOrLastTested.CompareAndSwap(last, now)
	}
	return false
}

// IsOpen reports whether the circuit is open, opening it first if the
// health counts warrant it.
func (c *Circuit) IsOpen() bool {
	if c.open.Load() {
		// Only MarkSuccess closes the circuit.
		return true
	}

	p := c.props()
	counts := c.health.Counts()
	if counts.Total < int64(p.RequestVolumeThreshold) {
		return false
	}
	if counts.ErrorPercentage < p.ErrorThresholdPercentage {
		return false
	}

	// Stamp first: an open circuit never carries a stale timestamp.
	c.openedOrLastTested.Store(c.millis())
	if c.open.CompareAndSwap(false, true) {
		level.Info(c.logger).Log(
			"circuit", c.name,
			"state", "open",
			"requests", counts.Total,
			"error_pct", counts.ErrorPercentage,
		)
		c.notify(true)
	}
	return true
}

// MarkSuccess closes an open circuit and resets its health counts.
func (c *Circuit) MarkSuccess() {
	if c.open.Load() && c.open.CompareAndSwap(true, false) {
		c.health.Reset()
		level.Info(c.logger).Log("circuit", c.name, "state", "closed")
		c.notify(false)
	}
}

// Reset closes the circuit and discards its health history regardless of
// the current state.
func (c *Circuit) Reset() {
	wasOpen := c.open.Swap(false)
	c.health.Reset()
	level.Info(c.logger).Log("circuit", c.name, "state", "closed", "reason", "reset")
	if wasOpen {
		c.notify(false)
	}
}

func (c *Circuit) notify(open bool) {
	if c.listener != nil {
		c.listener(c.name, open)
	}
}

func (c *Circuit) millis() int64 {
	return c.now().UnixNano() / int64(time.Millisecond)
}
