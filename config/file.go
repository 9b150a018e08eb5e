package config

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// File is a Provider backed by a YAML (or any viper-supported) file:
//
//	commands:
//	  default:
//	    execution:
//	      timeoutMs: 500
//	  users.get:
//	    circuitBreaker:
//	      forceOpen: true
//	threadPools:
//	  default:
//	    coreSize: 20
//
// A key's settings are layered: built-in defaults, then the default
// section, then the key's own section. Keys are matched case-insensitively
// and may contain dots.
type File struct {
	v      *viper.Viper
	logger log.Logger

	mtx      sync.Mutex // serializes viper access
	snap     atomic.Pointer[snapshot]
	watching atomic.Bool
}

// FileOption sets an optional parameter for a File.
type FileOption func(*File)

// FileLogger sets the logger reloads are reported to.
func FileLogger(logger log.Logger) FileOption {
	return func(f *File) { f.logger = logger }
}

type snapshot struct {
	defaults    Command
	commands    map[string]Command
	defaultPool ThreadPool
	pools       map[string]ThreadPool
}

// NewFile reads and validates the file at path.
func NewFile(path string, options ...FileOption) (*File, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	f := &File{v: v, logger: log.NewNopLogger()}
	for _, option := range options {
		option(f)
	}
	s, err := parse(v)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	f.snap.Store(s)
	return f, nil
}

// Watch reloads the file whenever it changes on disk. An invalid revision is
// logged and ignored; the previous settings stay in effect. viper re-reads
// the file on its own goroutine, so once Watch is called Reload does
// nothing. Calling Watch again has no effect.
func (f *File) Watch() {
	if !f.watching.CompareAndSwap(false, true) {
		return
	}
	f.v.OnConfigChange(func(e fsnotify.Event) {
		f.mtx.Lock()
		defer f.mtx.Unlock()
		f.apply(e.Name)
	})
	f.v.WatchConfig()
}

// Reload re-reads the file. It does nothing and returns nil once Watch has
// been called.
func (f *File) Reload() error {
	if f.watching.Load() {
		return nil
	}
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if err := f.v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "reload config")
	}
	return f.apply(f.v.ConfigFileUsed())
}

func (f *File) apply(name string) error {
	s, err := parse(f.v)
	if err != nil {
		level.Error(f.logger).Log("config", name, "during", "reload", "err", err)
		return err
	}
	f.snap.Store(s)
	level.Info(f.logger).Log("config", name, "commands", len(s.commands), "pools", len(s.pools))
	return nil
}

// Command implements Provider.
func (f *File) Command(key string) Command {
	s := f.snap.Load()
	if c, ok := s.commands[strings.ToLower(key)]; ok {
		return c
	}
	return s.defaults
}

// ThreadPool implements Provider.
func (f *File) ThreadPool(key string) ThreadPool {
	s := f.snap.Load()
	if p, ok := s.pools[strings.ToLower(key)]; ok {
		return p
	}
	return s.defaultPool
}

const defaultSection = "default"

func parse(v *viper.Viper) (*snapshot, error) {
	s := &snapshot{
		defaults:    overlayCommand(v, "commands::"+defaultSection, Defaults()),
		commands:    map[string]Command{},
		defaultPool: overlayThreadPool(v, "threadPools::"+defaultSection, DefaultThreadPool()),
		pools:       map[string]ThreadPool{},
	}
	if err := s.defaults.Validate(); err != nil {
		return nil, errors.Wrap(err, "commands.default")
	}
	for key := range v.GetStringMap("commands") {
		if key == defaultSection {
			continue
		}
		c := overlayCommand(v, "commands::"+key, s.defaults)
		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "commands.%s", key)
		}
		s.commands[key] = c
	}
	for key := range v.GetStringMap("threadPools") {
		if key == defaultSection {
			continue
		}
		s.pools[key] = overlayThreadPool(v, "threadPools::"+key, s.defaultPool)
	}
	return s, nil
}

func overlayCommand(v *viper.Viper, prefix string, c Command) Command {
	o := overlay{v: v, prefix: prefix}
	o.setBool("circuitBreaker::enabled", &c.CircuitBreakerEnabled)
	o.setInt("circuitBreaker::requestVolumeThreshold", &c.RequestVolumeThreshold)
	o.setInt("circuitBreaker::errorThresholdPercentage", &c.ErrorThresholdPercentage)
	o.setMillis("circuitBreaker::sleepWindowMs", &c.SleepWindow)
	o.setBool("circuitBreaker::forceOpen", &c.ForceOpen)
	o.setBool("circuitBreaker::forceClosed", &c.ForceClosed)

	if o.isSet("execution::isolationStrategy") {
		c.IsolationStrategy = IsolationStrategy(strings.ToLower(v.GetString(o.key("execution::isolationStrategy"))))
	}
	o.setMillis("execution::timeoutMs", &c.Timeout)
	o.setBool("execution::timeoutEnabled", &c.TimeoutEnabled)
	o.setInt("execution::semaphore::maxConcurrentRequests", &c.MaxConcurrentRequests)

	o.setBool("fallback::enabled", &c.FallbackEnabled)
	o.setInt("fallback::semaphore::maxConcurrentRequests", &c.FallbackMaxConcurrentRequests)

	o.setBool("requestCache::enabled", &c.RequestCacheEnabled)
	o.setBool("requestLog::enabled", &c.RequestLogEnabled)
	return c
}

func overlayThreadPool(v *viper.Viper, prefix string, p ThreadPool) ThreadPool {
	o := overlay{v: v, prefix: prefix}
	o.setInt("coreSize", &p.CoreSize)
	o.setInt("maxQueueSize", &p.MaxQueueSize)
	o.setInt("queueSizeRejectionThreshold", &p.QueueSizeRejectionThreshold)
	return p
}

// overlay copies the settings present under prefix onto a struct, leaving
// absent ones untouched.
type overlay struct {
	v      *viper.Viper
	prefix string
}

func (o overlay) key(name string) string { return o.prefix + "::" + name }
func (o overlay) isSet(name string) bool { return o.v.IsSet(o.key(name)) }

func (o overlay) setBool(name string, dst *bool) {
	if o.isSet(name) {
		*dst = o.v.GetBool(o.key(name))
	}
}

func (o overlay) setInt(name string, dst *int) {
	if o.isSet(name) {
		*dst = o.v.GetInt(o.key(name))
	}
}

func (o overlay) setMillis(name string, dst *time.Duration) {
	if o.isSet(name) {
		*dst = time.Duration(o.v.GetInt64(o.key(name))) * time.Millisecond
	}
}
