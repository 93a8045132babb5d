// ABOUTME: Serialized event loop that owns all session state mutation
// ABOUTME: Timers and socket callbacks re-enter through Do so at most one runs at a time

package loop

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs deferred work on the loop.
type Scheduler interface {
	// After runs fn on the loop once d has elapsed. The returned func cancels it.
	After(d time.Duration, fn func()) (cancel func())
	// Now returns the loop's current time.
	Now() time.Time
}

// Loop serializes work. Code running inside Do must not call Do again.
type Loop struct {
	mu    sync.Mutex
	clock clock.Clock
}

// New creates a loop driven by the given clock. A nil clock uses the wall clock.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{clock: c}
}

// Do runs fn with exclusive access to loop-owned state.
func (l *Loop) Do(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

// After schedules fn on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) func() {
	t := l.clock.AfterFunc(d, func() { l.Do(fn) })
	return func() { t.Stop() }
}

// Now returns the current time of the loop's clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Clock exposes the underlying clock for components that manage their own timers.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}
