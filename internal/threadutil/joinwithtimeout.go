// Package threadutil provides small concurrency helpers shared across
// lightnvr-go's long-running components.
package threadutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JoinResult is the outcome of a JoinWithTimeout call.
type JoinResult struct {
	// Joined is true if the target goroutine signaled completion before
	// the deadline.
	Joined bool
	// Detached is true if the deadline elapsed first and the goroutine
	// was left running in the background (detached, not canceled).
	Detached bool
}

// JoinWithTimeout waits up to timeout for done to be closed. If the
// deadline elapses first, the caller's goroutine is detached: this
// function returns immediately with Detached=true, and a background
// watcher keeps running so the leak is bounded and observable rather
// than silent. If done closes after the timeout, onLateJoin (if non-nil)
// is called exactly once from the watcher goroutine so callers can log
// or account for the straggler.
//
// done must eventually close, or the detached watcher goroutine leaks
// forever; callers are responsible for that invariant (e.g. by having
// the joined work itself be cancellable).
func JoinWithTimeout(ctx context.Context, done <-chan struct{}, timeout time.Duration, onLateJoin func()) JoinResult {
	select {
	case <-done:
		return JoinResult{Joined: true}
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	go func() {
		<-done
		if onLateJoin != nil {
			onLateJoin()
		}
	}()

	return JoinResult{Detached: true}
}

// Joiner wraps a close-once done channel, so JoinWithTimeout has something concrete to wait on without
// every caller hand-rolling the close-once bookkeeping.
type Joiner struct {
	done chan struct{}
	once sync.Once
}

// NewJoiner returns a Joiner whose Done channel is open until MarkDone
// is called.
func NewJoiner() *Joiner {
	return &Joiner{done: make(chan struct{})}
}

// Done returns the channel JoinWithTimeout should wait on.
func (j *Joiner) Done() <-chan struct{} {
	return j.done
}

// MarkDone closes the done channel. Safe to call more than once.
func (j *Joiner) MarkDone() {
	j.once.Do(func() { close(j.done) })
}

// ErrDetached is returned by helpers that need to surface a detach as an
// error rather than a boolean, e.g. when a shutdown report must include
// a per-component reason string.
var ErrDetached = fmt.Errorf("component did not join before its deadline; detached")
