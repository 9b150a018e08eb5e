// Package requestcache scopes command deduplication to a single logical
// request.
//
// A Scope travels in a context.Context. While it is live, commands that
// share a command key and a cache key execute at most once; later commands
// observe the first one's outcome. The scope also keeps an ordered log of
// every command that finished under it, which is handy for access logs and
// debugging.
package requestcache
