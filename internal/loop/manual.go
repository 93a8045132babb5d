// ABOUTME: Deterministic Scheduler for tests and offline replays
// ABOUTME: Timers fire only when Advance is called, on the caller's goroutine

package loop

import (
	"sort"
	"time"
)

type manualTimer struct {
	at       time.Time
	seq      int
	fn       func()
	canceled bool
}

// Manual is a Scheduler whose time only moves when Advance is called.
type Manual struct {
	now    time.Time
	seq    int
	timers []*manualTimer
}

// NewManual creates a manual scheduler starting at now.
func NewManual(now time.Time) *Manual {
	return &Manual{now: now}
}

// After registers fn to run once the manual clock reaches now+d.
func (m *Manual) After(d time.Duration, fn func()) func() {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() { t.canceled = true }
}

// Now returns the manual clock's time.
func (m *Manual) Now() time.Time {
	return m.now
}

// Pending returns the number of timers that have not fired or been canceled.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.canceled {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers scheduled by a firing timer run too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		due := m.nextDue(target)
		if due == nil {
			break
		}
		if due.at.After(m.now) {
			m.now = due.at
		}
		due.canceled = true
		due.fn()
	}
	m.now = target
	m.compact()
}

func (m *Manual) nextDue(target time.Time) *manualTimer {
	var live []*manualTimer
	for _, t := range m.timers {
		if !t.canceled && !t.at.After(target) {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})
	return live[0]
}

func (m *Manual) compact() {
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.canceled {
			kept = append(kept, t)
		}
	}
	m.timers = kept
}
