package command_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmesh/kit/circuitbreaker"
	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/config"
	"github.com/openmesh/kit/execution"
)

func TestThreadPoolRejected(t *testing.T) {
	e, cfg, _ := newEngine(func(c *config.Command) { c.TimeoutEnabled = false })
	defer e.Close(context.Background())
	cfg.SetThreadPool("narrow", config.ThreadPool{CoreSize: 1, MaxQueueSize: -1})

	var (
		release = make(chan struct{})
		started = make(chan struct{})
	)
	busy := command.New(e, "narrow", func(context.Context) (string, error) {
		close(started)
		<-release
		return "busy", nil
	}, nil)
	f := busy.Queue(context.Background())
	<-started

	cmd := command.New(e, "narrow", func(context.Context) (string, error) { return "never", nil }, constant("fallback"))
	v, err := cmd.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "fallback", v; want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if !cmd.IsResponseRejected() {
		t.Errorf("want rejection, have %s", events(cmd.Result()))
	}
	if want, have := "THREAD_POOL_REJECTED,FALLBACK_SUCCESS", events(cmd.Result()); want != have {
		t.Errorf("events: want %s, have %s", want, have)
	}

	close(release)
	if v, err := f.Get(context.Background()); err != nil || v != "busy" {
		t.Errorf("busy command: have %q, %v", v, err)
	}
}

func TestPoolKeySharesPool(t *testing.T) {
	e, cfg, _ := newEngine(func(c *config.Command) { c.TimeoutEnabled = false })
	defer e.Close(context.Background())
	cfg.SetThreadPool("shared", config.ThreadPool{CoreSize: 1, MaxQueueSize: -1})

	var (
		release = make(chan struct{})
		started = make(chan struct{})
	)
	f := command.New(e, "a", func(context.Context) (int, error) {
		close(started)
		<-release
		return 1, nil
	}, nil, command.WithPoolKey("shared")).Queue(context.Background())
	<-started

	_, err := command.Do(context.Background(), e, "b", func(context.Context) (int, error) { return 2, nil }, nil, command.WithPoolKey("shared"))
	if !errors.Is(err, command.ErrThreadPoolRejected) {
		t.Errorf("want rejection from the shared pool, have %v", err)
	}
	if _, ok := e.ThreadPool("a"); ok {
		t.Error("pool key must replace the command key")
	}

	close(release)
	if v, err := f.Get(context.Background()); err != nil || v != 1 {
		t.Errorf("have %d, %v", v, err)
	}
}

func TestSemaphoreRejected(t *testing.T) {
	e, _, _ := newEngine(func(c *config.Command) {
		semaphoreIsolation(c)
		c.MaxConcurrentRequests = 1
	})

	var (
		release = make(chan struct{})
		started = make(chan struct{})
		g       errgroup.Group
	)
	g.Go(func() error {
		_, err := command.Do(context.Background(), e, "narrow", func(context.Context) (string, error) {
			close(started)
			<-release
			return "busy", nil
		}, nil)
		return err
	})
	<-started

	cmd := command.New(e, "narrow", func(context.Context) (string, error) { return "never", nil }, nil)
	_, err := cmd.Execute(context.Background())
	if !errors.Is(err, command.ErrSemaphoreRejected) {
		t.Errorf("have %v", err)
	}
	if want, have := "SEMAPHORE_REJECTED,FALLBACK_MISSING", events(cmd.Result()); want != have {
		t.Errorf("events: want %s, have %s", want, have)
	}

	close(release)
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := command.Do(context.Background(), e, "narrow", func(context.Context) (string, error) { return "free", nil }, nil); err != nil {
		t.Errorf("permit not returned: %v", err)
	}
}

func TestTimeoutDiscardsLateResult(t *testing.T) {
	e, _, rec := newEngine(func(c *config.Command) { c.Timeout = 20 * time.Millisecond })
	defer e.Close(context.Background())

	var (
		returned  = make(chan struct{})
		cancelled atomic.Bool
	)
	run := func(ctx context.Context) (string, error) {
		defer close(returned)
		<-ctx.Done()
		cancelled.Store(true)
		time.Sleep(10 * time.Millisecond)
		return "late", nil
	}
	var seen error
	fallback := func(_ context.Context, cause error) (string, error) {
		seen = cause
		return "fallback", nil
	}

	cmd := command.New(e, "slow", run, fallback)
	v, err := cmd.Execute(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "fallback", v; want != have {
		t.Errorf("want %q, have %q", want, have)
	}
	if !errors.Is(seen, command.ErrTimeout) {
		t.Errorf("fallback cause: have %v", seen)
	}

	<-returned
	pool, ok := e.ThreadPool("slow")
	if !ok {
		t.Fatal("no pool")
	}
	waitFor(t, func() bool { return pool.ActiveCount() == 0 })

	if !cancelled.Load() {
		t.Error("unit of work context was not cancelled on timeout")
	}
	if !cmd.IsResponseTimedOut() {
		t.Error("want timed out")
	}
	if want, have := "TIMEOUT,FALLBACK_SUCCESS", events(cmd.Result()); want != have {
		t.Errorf("late result changed the events: want %s, have %s", want, have)
	}
	if want, have := 1, len(rec.all()); want != have {
		t.Errorf("reports: want %d, have %d", want, have)
	}
	if want, have := int64(1), e.Health("slow").Timeout; want != have {
		t.Errorf("health timeouts: want %d, have %d", want, have)
	}
}

func TestTimeoutSemaphoreIsolation(t *testing.T) {
	e, _, _ := newEngine(func(c *config.Command) {
		c.IsolationStrategy = config.Semaphore
		c.Timeout = 10 * time.Millisecond
	})

	cmd := command.New(e, "inline.slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "late", ctx.Err()
	}, nil)
	_, err := cmd.Execute(context.Background())
	if !errors.Is(err, command.ErrTimeout) || !errors.Is(err, command.ErrFallbackMissing) {
		t.Errorf("have %v", err)
	}
	if want, have := "TIMEOUT,FALLBACK_MISSING", events(cmd.Result()); want != have {
		t.Errorf("events: want %s, have %s", want, have)
	}
}

func TestCancel(t *testing.T) {
	h := &hook{}
	e, _, rec := newEngine(func(c *config.Command) { c.TimeoutEnabled = false }, command.WithHook(h))
	defer e.Close(context.Background())

	var (
		started  = make(chan struct{})
		returned = make(chan struct{})
	)
	cmd := command.New(e, "abandoned", func(ctx context.Context) (string, error) {
		defer close(returned)
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}, constant("fallback"))

	f := cmd.Queue(context.Background())
	<-started
	if !f.Cancel() {
		t.Fatal("Cancel reported nothing to cancel")
	}
	if f.Cancel() {
		t.Error("second Cancel succeeded")
	}
	<-returned

	_, err := f.Get(context.Background())
	if !errors.Is(err, command.ErrCancelled) {
		t.Errorf("have %v", err)
	}
	if want, have := "CANCELLED", events(cmd.Result()); want != have {
		t.Errorf("events: want %s, have %s", want, have)
	}
	if want, have := 1, len(rec.all()); want != have {
		t.Errorf("reports: want %d, have %d", want, have)
	}
	if want, have := int64(1), h.cancels.Load(); want != have {
		t.Errorf("OnCancel: want %d, have %d", want, have)
	}
}

func TestCallerContextWithdraws(t *testing.T) {
	e, _, _ := newEngine(func(c *config.Command) { c.TimeoutEnabled = false })
	defer e.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	cmd := command.New(e, "withdrawn", func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}, nil)

	go func() {
		<-started
		cancel()
	}()
	_, err := cmd.Execute(ctx)
	if !errors.Is(err, command.ErrCancelled) {
		t.Errorf("have %v", err)
	}
	waitFor(t, func() bool { return cmd.Result().Contains(execution.Cancelled) })
}

// The semaphore permit must come back exactly once, whether the work
// completing or the caller withdrawing gets there first.
func TestPermitReleasedOnceUnderCancelRace(t *testing.T) {
	e, _, rec := newEngine(func(c *config.Command) {
		semaphoreIsolation(c)
		c.MaxConcurrentRequests = 1
	})

	for i := 0; i < 200; i++ {
		i := i
		ctx, cancel := context.WithCancel(context.Background())
		f := command.New(e, "racy", func(context.Context) (int, error) {
			cancel()
			return i, nil
		}, nil).Queue(ctx)
		<-f.Done()
		cancel()
	}

	_, err := command.Do(context.Background(), e, "racy", func(context.Context) (int, error) { return 0, nil }, nil)
	if err != nil {
		t.Fatalf("permit leaked: %v", err)
	}
	for _, r := range rec.all() {
		if r.Contains(execution.SemaphoreRejected) {
			t.Fatalf("rejected while the semaphore should have been free: %s", events(r))
		}
		if outcome, _ := outcomes(r); outcome != 1 {
			t.Fatalf("want exactly one outcome event, have %s", events(r))
		}
	}
}

func TestWithdrawnWhileAcquiring(t *testing.T) {
	for _, tc := range []struct {
		name  string
		guard bool
	}{
		{"circuit", false},
		{"guard", true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var (
				cfg = &slowConfig{Static: config.NewStatic()}
				c   = config.Defaults()
				g   = &guard{}
			)
			semaphoreIsolation(&c)
			c.MaxConcurrentRequests = 1
			cfg.SetDefault(c)
			options := []command.Option{command.WithConfig(cfg)}
			if tc.guard {
				options = append(options, command.WithBreaker(func(command.Key) circuitbreaker.Guard { return g }))
			}
			e := command.NewEngine(options...)
			run := func(context.Context) (int, error) { return 1, nil }

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			first := command.New(e, "withdrawn", run, nil)
			<-first.Queue(ctx).Done()

			v, err := command.Do(context.Background(), e, "withdrawn", run, nil)
			if err != nil {
				t.Fatalf("permit leaked by %s: %v", events(first.Result()), err)
			}
			if want, have := 1, v; want != have {
				t.Errorf("want %d, have %d", want, have)
			}
			if !tc.guard {
				return
			}
			if want, have := 2, len(g.all()); want != have {
				t.Fatalf("guard reports: want %d, have %d", want, have)
			}
		})
	}
}
