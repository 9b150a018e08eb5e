// Package command runs calls to remote dependencies as commands: units of
// work guarded by a circuit breaker, bounded by an isolation gate, raced
// against a timeout, and backed by an optional fallback.
//
// Every command belongs to a Key. Commands sharing a key share rolling
// health statistics, a circuit breaker, an execution semaphore and a
// fallback semaphore, all owned by an Engine. Settings are read from the
// engine's config.Provider each time a command starts, so they can change
// at runtime.
//
// A command runs at most once. Its outcome is recorded as an
// execution.Result holding exactly one outcome event (SUCCESS, FAILURE,
// TIMEOUT, SHORT_CIRCUITED, THREAD_POOL_REJECTED, SEMAPHORE_REJECTED,
// BAD_REQUEST, RESPONSE_FROM_CACHE or CANCELLED) and, when the fallback was
// consulted, one fallback event. The result is fed to the key's health
// counter, the engine's metrics.Sink, the request log and the hooks, in
// that order, before the command's Future completes.
//
// Basic use:
//
//	engine := command.NewEngine(command.WithConfig(cfg), command.WithLogger(logger))
//	user, err := command.Do(ctx, engine, "users.get",
//		func(ctx context.Context) (User, error) { return client.GetUser(ctx, id) },
//		func(ctx context.Context, cause error) (User, error) { return User{ID: id}, nil },
//	)
//
// With thread isolation the work runs on a pool of worker goroutines and a
// timed-out caller gets its fallback immediately, even if the work ignores
// its context. With semaphore isolation the work runs on the caller's
// goroutine; a timeout completes the Future with the fallback on time, but
// Queue and Execute return only once the work itself does.
package command
