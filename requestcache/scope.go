package requestcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pborman/uuid"

	"github.com/openmesh/kit/execution"
)

// Key identifies a cached execution within a scope.
type Key struct {
	Command  string
	CacheKey string
}

func (k Key) String() string { return k.Command + "/" + k.CacheKey }

// Entry is one line of the request log.
type Entry struct {
	Command string
	Result  execution.Result
}

// Scope is the lifetime of one logical request. It is safe for concurrent
// use.
type Scope struct {
	id      string
	entries sync.Map // Key -> any
	closed  atomic.Bool

	mtx sync.Mutex
	log []Entry
}

// New returns an empty scope with a fresh random ID.
func New() *Scope {
	return &Scope{id: uuid.New()}
}

type contextKey struct{}

// NewContext returns a child of ctx carrying a new Scope, and the scope
// itself so the caller can Close it when the request ends.
func NewContext(ctx context.Context) (context.Context, *Scope) {
	s := New()
	return context.WithValue(ctx, contextKey{}, s), s
}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(contextKey{}).(*Scope)
	return s, ok
}

// ID returns the scope's request ID.
func (s *Scope) ID() string { return s.id }

// Get returns the value cached under key.
func (s *Scope) Get(key Key) (any, bool) {
	return s.entries.Load(key)
}

// PutIfAbsent caches v under key unless a value is already present. It
// returns the value that ended up cached and whether it was already there.
// A closed scope caches nothing: it returns v, false.
func (s *Scope) PutIfAbsent(key Key, v any) (actual any, loaded bool) {
	if s.closed.Load() {
		return v, false
	}
	return s.entries.LoadOrStore(key, v)
}

// Remove deletes key only if it still maps to v, so a newer entry is never
// evicted by a stale owner.
func (s *Scope) Remove(key Key, v any) bool {
	return s.entries.CompareAndDelete(key, v)
}

// Close drops every cached value. Commands started afterwards with this
// scope execute uncached. The request log survives.
func (s *Scope) Close() {
	s.closed.Store(true)
	s.entries.Range(func(k, _ any) bool {
		s.entries.Delete(k)
		return true
	})
}

// Record appends a finished command to the request log.
func (s *Scope) Record(command string, r execution.Result) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.log = append(s.log, Entry{Command: command, Result: r})
}

// Executed returns the request log in completion order.
func (s *Scope) Executed() []Entry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]Entry(nil), s.log...)
}

// String renders the request log, e.g.
//
//	users.get[SUCCESS][12ms], users.get[RESPONSE_FROM_CACHE][0ms]
func (s *Scope) String() string {
	entries := s.Executed()
	lines := make([]string, len(entries))
	for i, e := range entries {
		events := e.Result.Events()
		names := make([]string, len(events))
		for j, ev := range events {
			names[j] = ev.String()
		}
		ms := e.Result.ExecutionLatency().Milliseconds()
		if ms < 0 {
			ms = 0
		}
		lines[i] = fmt.Sprintf("%s[%s][%dms]", e.Command, strings.Join(names, ", "), ms)
	}
	return strings.Join(lines, ", ")
}
