// Package opentracing traces command executions with an OpenTracing tracer.
package opentracing

import (
	"context"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"

	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/execution"
	"github.com/openmesh/kit/requestcache"
)

// Hook is a command.Hook that wraps every command execution in a client
// span named after the command key. If the context given to the command
// already carries a span, the new span is its child.
//
// The span is placed in the context the unit of work and the fallback see,
// so outgoing calls made from them join the trace.
type Hook struct {
	command.NopHook
	tracer opentracing.Tracer
}

// NewHook returns a Hook starting spans with tracer.
func NewHook(tracer opentracing.Tracer) *Hook {
	return &Hook{tracer: tracer}
}

type spanKey struct{}

// OnStart implements command.Hook.
func (h *Hook) OnStart(ctx context.Context, key command.Key) context.Context {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := h.tracer.StartSpan(string(key), opts...)
	ext.SpanKindRPCClient.Set(span)
	span.SetTag("command.key", string(key))
	if scope, ok := requestcache.FromContext(ctx); ok {
		span.SetTag("request.id", scope.ID())
	}
	ctx = opentracing.ContextWithSpan(ctx, span)
	return context.WithValue(ctx, spanKey{}, span)
}

// OnSuccess implements command.Hook.
func (h *Hook) OnSuccess(ctx context.Context, _ command.Key, r execution.Result) {
	finish(ctx, r, nil)
}

// OnError implements command.Hook.
func (h *Hook) OnError(ctx context.Context, _ command.Key, r execution.Result, err error) {
	finish(ctx, r, err)
}

// OnCancel implements command.Hook.
func (h *Hook) OnCancel(ctx context.Context, _ command.Key, r execution.Result) {
	if span, ok := ctx.Value(spanKey{}).(opentracing.Span); ok {
		span.SetTag("command.cancelled", true)
	}
	finish(ctx, r, nil)
}

func finish(ctx context.Context, r execution.Result, err error) {
	span, ok := ctx.Value(spanKey{}).(opentracing.Span)
	if !ok {
		return
	}
	names := make([]string, 0, len(r.Events()))
	for _, e := range r.Events() {
		names = append(names, e.String())
	}
	span.SetTag("command.events", strings.Join(names, ","))
	if r.IsResponseFromCache() {
		span.SetTag("command.cached", true)
	}
	if d := r.ExecutionLatency(); d >= 0 {
		span.SetTag("command.execution_ms", d.Milliseconds())
	}
	if err != nil {
		ext.Error.Set(span, true)
		span.LogFields(otlog.Error(err))
	}
	span.Finish()
}
