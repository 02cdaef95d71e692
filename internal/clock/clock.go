// Package clock abstracts wall-clock reads and timers so that the
// credential window, the rotation loop, and the rate limiter can be
// driven deterministically in tests.
package clock

import "time"

// Clock is the time source injected into anything that quantizes time
// or waits on it. Production code uses Real(); tests use Fake().
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a Timer that delivers the fire time on C once d
	// has elapsed. If d <= 0 the timer fires immediately.
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer. Read from C; call Stop to release it if
// it is no longer needed.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	timer := time.NewTimer(d)
	return &Timer{C: timer.C, stopFunc: timer.Stop}
}
