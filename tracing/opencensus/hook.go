// Package opencensus traces command executions with OpenCensus.
package opencensus

import (
	"context"
	"strings"

	"go.opencensus.io/trace"

	"github.com/openmesh/kit/command"
	"github.com/openmesh/kit/execution"
	"github.com/openmesh/kit/requestcache"
)

// Hook is a command.Hook starting one client span per command execution.
// The span is a child of any span already in the context and is visible to
// the unit of work and the fallback.
type Hook struct {
	command.NopHook
	opts Options
}

// Options holds the optional parameters of a Hook.
type Options struct {
	// Sampler overrides the global sampler for command spans.
	Sampler trace.Sampler

	// Attributes are set on every span.
	Attributes []trace.Attribute

	// GetName returns the span name. If nil, or if it returns an empty
	// string, the command key is used.
	GetName func(ctx context.Context, key command.Key) string

	// IgnoreBadRequest keeps spans of commands rejected as bad requests
	// at status OK.
	IgnoreBadRequest bool
}

// Option sets an optional parameter for a Hook.
type Option func(*Options)

// WithSampler sets the sampler for command spans.
func WithSampler(s trace.Sampler) Option {
	return func(o *Options) { o.Sampler = s }
}

// WithAttributes sets default attributes for command spans.
func WithAttributes(attrs ...trace.Attribute) Option {
	return func(o *Options) { o.Attributes = attrs }
}

// WithSpanName sets the function naming command spans.
func WithSpanName(fn func(ctx context.Context, key command.Key) string) Option {
	return func(o *Options) { o.GetName = fn }
}

// WithIgnoreBadRequest keeps bad requests from marking their spans failed.
func WithIgnoreBadRequest(ignore bool) Option {
	return func(o *Options) { o.IgnoreBadRequest = ignore }
}

// NewHook returns a Hook.
func NewHook(options ...Option) *Hook {
	h := &Hook{}
	for _, option := range options {
		option(&h.opts)
	}
	return h
}

type spanKey struct{}

// OnStart implements command.Hook.
func (h *Hook) OnStart(ctx context.Context, key command.Key) context.Context {
	name := string(key)
	if h.opts.GetName != nil {
		if n := h.opts.GetName(ctx, key); n != "" {
			name = n
		}
	}
	startOpts := []trace.StartOption{trace.WithSpanKind(trace.SpanKindClient)}
	if h.opts.Sampler != nil {
		startOpts = append(startOpts, trace.WithSampler(h.opts.Sampler))
	}
	ctx, span := trace.StartSpan(ctx, name, startOpts...)

	attrs := append([]trace.Attribute{trace.StringAttribute("command.key", string(key))}, h.opts.Attributes...)
	if scope, ok := requestcache.FromContext(ctx); ok {
		attrs = append(attrs, trace.StringAttribute("request.id", scope.ID()))
	}
	span.AddAttributes(attrs...)
	return context.WithValue(ctx, spanKey{}, span)
}

// OnSuccess implements command.Hook.
func (h *Hook) OnSuccess(ctx context.Context, _ command.Key, r execution.Result) {
	h.end(ctx, r, trace.Status{Code: trace.StatusCodeOK})
}

// OnError implements command.Hook.
func (h *Hook) OnError(ctx context.Context, _ command.Key, r execution.Result, err error) {
	status := trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()}
	switch {
	case command.IsBadRequest(err) && h.opts.IgnoreBadRequest:
		status = trace.Status{Code: trace.StatusCodeOK}
	case command.IsBadRequest(err):
		status.Code = trace.StatusCodeInvalidArgument
	case r.Contains(execution.Timeout):
		status.Code = trace.StatusCodeDeadlineExceeded
	case r.Contains(execution.ShortCircuited), r.Contains(execution.ThreadPoolRejected), r.Contains(execution.SemaphoreRejected):
		status.Code = trace.StatusCodeUnavailable
	}
	h.end(ctx, r, status)
}

// OnCancel implements command.Hook.
func (h *Hook) OnCancel(ctx context.Context, _ command.Key, r execution.Result) {
	h.end(ctx, r, trace.Status{Code: trace.StatusCodeCancelled, Message: "cancelled"})
}

func (h *Hook) end(ctx context.Context, r execution.Result, status trace.Status) {
	span, ok := ctx.Value(spanKey{}).(*trace.Span)
	if !ok {
		return
	}
	names := make([]string, 0, len(r.Events()))
	for _, e := range r.Events() {
		names = append(names, e.String())
	}
	attrs := []trace.Attribute{
		trace.StringAttribute("command.events", strings.Join(names, ",")),
		trace.BoolAttribute("command.cached", r.IsResponseFromCache()),
	}
	if d := r.ExecutionLatency(); d >= 0 {
		attrs = append(attrs, trace.Int64Attribute("command.execution_ms", d.Milliseconds()))
	}
	span.AddAttributes(attrs...)
	span.SetStatus(status)
	span.End()
}
