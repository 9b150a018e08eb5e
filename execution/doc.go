// Package execution describes what happened during a single command
// execution: the ordered events it emitted, its timings, and the error it
// ended with, if any.
//
// A Result is an immutable value. Methods that change it return a modified
// copy, so a Result may be shared between goroutines and published through
// an atomic pointer without further synchronization.
package execution
