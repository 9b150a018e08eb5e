package command

import (
	"context"

	"github.com/openmesh/kit/execution"
)

// Hook observes command lifecycles. Hooks are invoked synchronously: OnStart
// on the goroutine that starts the command, the others on whichever
// goroutine takes the command to its terminal state.
type Hook interface {
	// OnStart may decorate the context. The returned context is the one
	// the unit of work, the fallback and the remaining hooks see.
	OnStart(ctx context.Context, key Key) context.Context
	OnSuccess(ctx context.Context, key Key, r execution.Result)
	OnError(ctx context.Context, key Key, r execution.Result, err error)
	OnCancel(ctx context.Context, key Key, r execution.Result)
}

// NopHook implements Hook and does nothing. Embed it to implement a subset.
type NopHook struct{}

// OnStart implements Hook.
func (NopHook) OnStart(ctx context.Context, _ Key) context.Context { return ctx }

// OnSuccess implements Hook.
func (NopHook) OnSuccess(context.Context, Key, execution.Result) {}

// OnError implements Hook.
func (NopHook) OnError(context.Context, Key, execution.Result, error) {}

// OnCancel implements Hook.
func (NopHook) OnCancel(context.Context, Key, execution.Result) {}

// Hooks runs several hooks in order. Each OnStart sees the context returned
// by the previous one.
type Hooks []Hook

// OnStart implements Hook.
func (hs Hooks) OnStart(ctx context.Context, key Key) context.Context {
	for _, h := range hs {
		ctx = h.OnStart(ctx, key)
	}
	return ctx
}

// OnSuccess implements Hook.
func (hs Hooks) OnSuccess(ctx context.Context, key Key, r execution.Result) {
	for _, h := range hs {
		h.OnSuccess(ctx, key, r)
	}
}

// OnError implements Hook.
func (hs Hooks) OnError(ctx context.Context, key Key, r execution.Result, err error) {
	for _, h := range hs {
		h.OnError(ctx, key, r, err)
	}
}

// OnCancel implements Hook.
func (hs Hooks) OnCancel(ctx context.Context, key Key, r execution.Result) {
	for _, h := range hs {
		h.OnCancel(ctx, key, r)
	}
}
