// Package config supplies per-command and per-pool settings.
//
// Settings are looked up on every use through a Provider, so a provider that
// changes its answers (Static after SetCommand, File after a reload) takes
// effect on the next execution without restarting anything. Thread pool
// sizes are the exception: a pool is shaped once, when first created.
package config
