// Package timeout implements the one-shot cancellable timer described
// in spec.md §4.4. It is a thin wrapper over time.AfterFunc: the
// teacher's retrieved sources had no standalone timer primitive to
// ground this on (lib/pacer, lib/kv and friends were retrieved as
// test-only stubs), and the stdlib primitive is already the idiomatic
// Go shape for "run fn once after duration, cancellable from any
// goroutine" — see DESIGN.md for the stdlib-justification entry.
package timeout

import (
	"sync"
	"time"
)

// Timeout runs fn once after duration elapses, unless Disable is
// called first.
type Timeout struct {
	mu       sync.Mutex
	timer    *time.Timer
	disabled bool
}

// New spawns a timer that invokes fn after duration, in the timer's
// own goroutine. A duration of zero means "immediately disabled" —
// fn never runs.
func New(fn func(), duration time.Duration) *Timeout {
	to := &Timeout{}
	if duration <= 0 {
		to.disabled = true
		return to
	}
	to.timer = time.AfterFunc(duration, func() {
		to.mu.Lock()
		disabled := to.disabled
		to.mu.Unlock()
		if !disabled {
			fn()
		}
	})
	return to
}

// Disable prevents fn from running if it has not already started. It
// is idempotent and safe to call from any goroutine, including from
// within fn itself.
func (to *Timeout) Disable() {
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.disabled {
		return
	}
	to.disabled = true
	if to.timer != nil {
		to.timer.Stop()
	}
}
