// Package clock abstracts the host timer so that typing expiry, credential
// refresh and lease heartbeats can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(t0) and call Advance; timers
// created with AfterFunc fire synchronously inside Advance in deadline order.
package clock

import "time"

// Clock is the subset of the time package the sync layer depends on.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once after d. With d <= 0 the real clock runs f in a
	// new goroutine and the fake clock runs it before returning.
	AfterFunc(d time.Duration, f func()) *Timer
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable one-shot callback.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// a pending timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the timer to fire after d and reports whether it was
// pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Ticker delivers ticks on C until stopped. C has capacity 1; ticks are
// dropped when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }
