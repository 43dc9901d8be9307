package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock's lock held, so callbacks may call back into
// the clock (Now, AfterFunc, Stop) but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	changed *sync.Cond
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time
	callback func()
	interval time.Duration
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock frozen at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.addLocked(&waiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	w := &waiter{deadline: c.current.Add(d), callback: f}
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool { return c.stop(w) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.current.Add(d), channel: ch, interval: d}
	c.addLocked(w)

	return &Ticker{C: ch, stopFunc: func() { c.stop(w) }}
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time.
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
		for _, w := range due {
			if w.callback != nil {
				w.callback()
				continue
			}
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// Pending returns the number of waiters that have neither fired nor
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForTimers blocks until at least n waiters are pending. It closes
// the race between a goroutine registering a timer and the test
// advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) stop(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w.stopped || w.fired {
		return false
	}
	w.stopped = true
	for i, pending := range c.waiters {
		if pending == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	return true
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*waiter
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			remaining = append(remaining, w)
			continue
		}
		due = append(due, w)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})

	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	c.waiters = remaining
	return due
}
