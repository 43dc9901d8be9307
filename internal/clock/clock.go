// Package clock abstracts time so the presence timeouts, typing
// auto-clear timers and ack deadlines can be driven deterministically
// in tests. Production code uses Real(); tests use Fake().
package clock

import "time"

// Clock is the subset of the time package the engine schedules with.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d on the returned Ticker's C.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. Returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers periodic ticks on C. Ticks are dropped, not queued,
// when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
