package ratelimiter

import (
	"sync"
	"time"
)

// Limiter lets an action through at most once per interval. Callers that are
// refused skip the action instead of waiting for it. Safe for concurrent use.
//
// A non-positive interval disables the action entirely.
type Limiter struct {
	mu          sync.Mutex
	interval    time.Duration
	lastAllowed time.Time
	skipped     int64
	now         func() time.Time
}

// New creates a limiter that allows one action per interval
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		now:      time.Now,
	}
}

// Allow reports whether the action may run now. The first call after New or
// Reset is always allowed; after Start it waits for the interval.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowLocked()
}

func (l *Limiter) allowLocked() bool {
	if l.interval <= 0 {
		l.skipped++
		return false
	}
	now := l.now()
	if !l.lastAllowed.IsZero() && now.Sub(l.lastAllowed) < l.interval {
		l.skipped++
		return false
	}
	l.lastAllowed = now
	return true
}

// Do runs fn if the limiter allows it and reports whether it ran. fn runs
// without the limiter's lock held, so a slow action does not block callers
// that are about to be refused anyway.
func (l *Limiter) Do(fn func() error) (bool, error) {
	l.mu.Lock()
	ok := l.allowLocked()
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, fn()
}

// Start begins a fresh interval now, so the next action waits a full interval
func (l *Limiter) Start() {
	l.mu.Lock()
	l.lastAllowed = l.now()
	l.mu.Unlock()
}

// Reset allows the next action immediately
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.lastAllowed = time.Time{}
	l.mu.Unlock()
}

// Skipped returns how many calls were refused
func (l *Limiter) Skipped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}

// TimeSinceLastAllowed returns the duration since the last allowed action,
// or the maximum duration if none was allowed yet.
func (l *Limiter) TimeSinceLastAllowed() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastAllowed.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return l.now().Sub(l.lastAllowed)
}

// Interval returns the configured interval
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
