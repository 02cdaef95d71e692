package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at initial. Time moves only when
// Advance or Set is called.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. It is safe for
// concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	channel  chan time.Time
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTimer registers a pending timer that fires once the clock is
// advanced to or past now+d.
func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	ft := &fakeTimer{deadline: c.current.Add(d), channel: channel}
	if d <= 0 {
		ft.fired = true
		channel <- c.current
	} else {
		c.timers = append(c.timers, ft)
		c.changed.Broadcast()
	}

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if ft.stopped || ft.fired {
				return false
			}
			ft.stopped = true
			c.changed.Broadcast()
			return true
		},
	}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is reached, in deadline order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.set(c.current.Add(d))
	c.mu.Unlock()
}

// Set moves the clock to t. Moving backwards fires nothing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.set(t)
	c.mu.Unlock()
}

func (c *FakeClock) set(t time.Time) {
	c.current = t

	var due, remaining []*fakeTimer
	for _, ft := range c.timers {
		switch {
		case ft.stopped:
		case !ft.deadline.After(t):
			due = append(due, ft)
		default:
			remaining = append(remaining, ft)
		}
	}
	c.timers = remaining

	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, ft := range due {
		ft.fired = true
		select {
		case ft.channel <- t:
		default:
		}
	}
	c.changed.Broadcast()
}

// WaitForTimers blocks until at least n timers are pending. It closes
// the race between a goroutine arming a timer and the test advancing
// the clock past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount reports how many timers are armed and not yet fired.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, ft := range c.timers {
		if !ft.stopped {
			n++
		}
	}
	return n
}
