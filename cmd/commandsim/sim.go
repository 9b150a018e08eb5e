package main

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/endpoint"
	"github.com/openmesh/kit/ratelimit"
	"github.com/openmesh/kit/requestcache"
)

var errUnavailable = errors.New("dependency unavailable")

// simulator issues rate-limited requests against a fake dependency. Each
// request looks the same record up twice in one request scope; the second
// lookup is answered from the request cache.
type simulator struct {
	engine      *command.Engine
	keys        []command.Key
	qps         float64
	concurrency int
	failureRate float64
	latency     time.Duration
	logger      log.Logger

	requests atomic.Int64
	calls    atomic.Int64 // lookups that reached the dependency
}

// Run issues requests until ctx is done.
func (s *simulator) Run(ctx context.Context) error {
	if len(s.keys) == 0 {
		return errors.New("no command keys")
	}
	lookups := make(map[command.Key]endpoint.Endpoint[string, string], len(s.keys))
	for _, k := range s.keys {
		lookups[k] = endpoint.Chain(
			command.CachedMiddleware(s.engine, k, recordID, stale),
			s.countCalls,
		)(s.call)
	}
	limiter := rate.NewLimiter(rate.Limit(s.qps), 1)
	request := ratelimit.NewDelayingLimiter[command.Key, string](limiter)(func(ctx context.Context, key command.Key) (string, error) {
		return s.request(ctx, lookups[key])
	})
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.concurrency; i++ {
		g.Go(func() error {
			for {
				key := s.keys[rand.Intn(len(s.keys))]
				if _, err := request(ctx, key); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					level.Debug(s.logger).Log("command", key, "err", err)
				}
			}
		})
	}
	err := g.Wait()
	level.Info(s.logger).Log("requests", s.requests.Load(), "calls", s.calls.Load())
	return err
}

func (s *simulator) request(ctx context.Context, lookup endpoint.Endpoint[string, string]) (string, error) {
	n := s.requests.Add(1)
	ctx, scope := requestcache.NewContext(ctx)
	defer scope.Close()

	id := strconv.Itoa(rand.Intn(100))
	if _, err := lookup(ctx, id); err != nil {
		return "", err
	}
	v, err := lookup(ctx, id)
	if n%100 == 0 {
		level.Debug(s.logger).Log("request", scope.ID(), "log", scope.String())
	}
	return v, err
}

func (s *simulator) countCalls(next endpoint.Endpoint[string, string]) endpoint.Endpoint[string, string] {
	return func(ctx context.Context, id string) (string, error) {
		s.calls.Add(1)
		return next(ctx, id)
	}
}

// call simulates the dependency: exponentially distributed latency, and a
// failure with probability failureRate.
func (s *simulator) call(ctx context.Context, id string) (string, error) {
	d := time.Duration(rand.ExpFloat64() * float64(s.latency))
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if rand.Float64() < s.failureRate {
		return "", errUnavailable
	}
	return "fresh " + id, nil
}

func recordID(id string) string { return id }

func stale(_ context.Context, id string, _ error) (string, error) { return "stale " + id, nil }
