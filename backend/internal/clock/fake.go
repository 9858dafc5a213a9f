package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Callbacks registered with
// AfterFunc run synchronously inside Advance, in deadline order.
// Callbacks may register new timers but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	callback func()
	stopped  bool
	fired    bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward by d and fires every timer whose deadline
// is reached, including timers registered by callbacks fired during this call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, t := range due {
			t.callback()
		}
	}
}

func (c *FakeClock) collect(target time.Time) []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*fakeTimer
	for _, t := range c.waiters {
		switch {
		case t.stopped:
		case !t.deadline.After(target):
			t.fired = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.waiters = remaining
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	return due
}

// Pending returns the number of timers that have neither fired nor been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.waiters {
		if !t.stopped {
			n++
		}
	}
	return n
}
