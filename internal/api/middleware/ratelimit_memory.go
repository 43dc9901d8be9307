package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 1024

// memoryCounter keeps a token bucket per key. A bucket refills Requests
// tokens per Window and holds at most Requests tokens.
type memoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{buckets: make(map[string]*bucket)}
}

func (c *memoryCounter) CheckAndIncrement(_ context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.calls%sweepEvery == 0 {
		c.sweepLocked(now)
	}

	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			window:  window,
		}
		c.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	// Time until one more token is available.
	resetAt := now.Add(window / time.Duration(limit))
	if allowed && remaining > 0 {
		resetAt = now.Add(window)
	}
	return allowed, remaining, resetAt
}

// sweepLocked drops buckets idle for longer than their window. An idle
// bucket is full again, so dropping it changes nothing.
func (c *memoryCounter) sweepLocked(now time.Time) {
	for key, b := range c.buckets {
		if now.Sub(b.lastSeen) > b.window {
			delete(c.buckets, key)
		}
	}
}

// memoryBlocker keeps blocks and violation counts in process memory.
type memoryBlocker struct {
	mu         sync.Mutex
	blocked    map[string]time.Time
	violations map[string]violationCount
}

type violationCount struct {
	count   int64
	expires time.Time
}

func newMemoryBlocker() *memoryBlocker {
	return &memoryBlocker{
		blocked:    make(map[string]time.Time),
		violations: make(map[string]violationCount),
	}
}

func (b *memoryBlocker) IsBlocked(_ context.Context, ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.blocked[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(b.blocked, ip)
		return false
	}
	return true
}

func (b *memoryBlocker) Block(_ context.Context, ip string, duration time.Duration, _ string) {
	b.mu.Lock()
	b.blocked[ip] = time.Now().Add(duration)
	b.mu.Unlock()
}

func (b *memoryBlocker) Unblock(_ context.Context, ip string) {
	b.mu.Lock()
	delete(b.blocked, ip)
	b.mu.Unlock()
}

func (b *memoryBlocker) RecordViolation(_ context.Context, ip string) int64 {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.violations[ip]
	if now.After(v.expires) {
		v = violationCount{}
	}
	v.count++
	v.expires = now.Add(violationWindow)
	b.violations[ip] = v
	return v.count
}
