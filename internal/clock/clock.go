// Package clock abstracts the timers used by the relay so reconnect,
// keepalive and selection-expiry behaviour can be driven deterministically
// in tests. Production code uses Real(); tests use Fake() and Advance.
package clock

import "time"

// Clock is the subset of the time package the relay depends on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call
// stopped the timer; false means it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks. C has capacity 1; slow consumers miss
// ticks rather than queue them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }
