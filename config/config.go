package config

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// IsolationStrategy selects how a command's unit of work is bounded.
type IsolationStrategy string

const (
	// Thread runs the work on a per-pool worker goroutine.
	Thread IsolationStrategy = "thread"
	// Semaphore runs the work on the caller's goroutine under a counting
	// semaphore.
	Semaphore IsolationStrategy = "semaphore"
)

// Command holds the settings of one command key.
type Command struct {
	CircuitBreakerEnabled    bool
	RequestVolumeThreshold   int
	ErrorThresholdPercentage int
	SleepWindow              time.Duration
	ForceOpen                bool
	ForceClosed              bool

	IsolationStrategy     IsolationStrategy
	Timeout               time.Duration
	TimeoutEnabled        bool
	MaxConcurrentRequests int

	FallbackEnabled               bool
	FallbackMaxConcurrentRequests int

	RequestCacheEnabled bool
	RequestLogEnabled   bool
}

// Defaults returns the built-in command settings.
func Defaults() Command {
	return Command{
		CircuitBreakerEnabled:         true,
		RequestVolumeThreshold:        20,
		ErrorThresholdPercentage:      50,
		SleepWindow:                   5 * time.Second,
		IsolationStrategy:             Thread,
		Timeout:                       time.Second,
		TimeoutEnabled:                true,
		MaxConcurrentRequests:         10,
		FallbackEnabled:               true,
		FallbackMaxConcurrentRequests: 10,
		RequestCacheEnabled:           true,
		RequestLogEnabled:             true,
	}
}

// Validate reports the first setting that cannot be honoured.
func (c Command) Validate() error {
	switch {
	case c.IsolationStrategy != Thread && c.IsolationStrategy != Semaphore:
		return errors.Errorf("unknown isolation strategy %q", c.IsolationStrategy)
	case c.RequestVolumeThreshold < 0:
		return errors.New("request volume threshold must not be negative")
	case c.ErrorThresholdPercentage < 0 || c.ErrorThresholdPercentage > 100:
		return errors.Errorf("error threshold percentage %d out of range", c.ErrorThresholdPercentage)
	case c.SleepWindow < 0:
		return errors.New("sleep window must not be negative")
	case c.TimeoutEnabled && c.Timeout <= 0:
		return errors.New("timeout must be positive when enabled")
	}
	return nil
}

// ThreadPool holds the settings of one pool key.
type ThreadPool struct {
	CoreSize                    int
	MaxQueueSize                int // -1 disables the queue
	QueueSizeRejectionThreshold int
}

// DefaultThreadPool returns the built-in pool settings.
func DefaultThreadPool() ThreadPool {
	return ThreadPool{
		CoreSize:                    10,
		MaxQueueSize:                -1,
		QueueSizeRejectionThreshold: 5,
	}
}

// Provider resolves settings by key.
type Provider interface {
	Command(key string) Command
	ThreadPool(key string) ThreadPool
}

// Static is an in-memory Provider. Keys without explicit settings get the
// provider's defaults. It is safe for concurrent use.
type Static struct {
	mtx         sync.RWMutex
	defaults    Command
	commands    map[string]Command
	defaultPool ThreadPool
	pools       map[string]ThreadPool
}

// NewStatic returns a Static provider serving the built-in defaults.
func NewStatic() *Static {
	return &Static{
		defaults:    Defaults(),
		commands:    map[string]Command{},
		defaultPool: DefaultThreadPool(),
		pools:       map[string]ThreadPool{},
	}
}

// SetDefault replaces the settings of keys that have none of their own.
func (s *Static) SetDefault(c Command) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.defaults = c
}

// SetCommand sets the settings of one command key.
func (s *Static) SetCommand(key string, c Command) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.commands[key] = c
}

// SetThreadPool sets the settings of one pool key.
func (s *Static) SetThreadPool(key string, p ThreadPool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.pools[key] = p
}

// Command implements Provider.
func (s *Static) Command(key string) Command {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if c, ok := s.commands[key]; ok {
		return c
	}
	return s.defaults
}

// ThreadPool implements Provider.
func (s *Static) ThreadPool(key string) ThreadPool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if p, ok := s.pools[key]; ok {
		return p
	}
	return s.defaultPool
}
