// Package ratelimit provides a strict fixed-spacing limiter shared by every
// caller of one outbound service.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter issues permits no closer together than a fixed interval. It tracks
// the next available permit time, so it behaves like a token bucket of size
// one: idle time never accumulates into a burst.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration

	waits  atomic.Int64
	waited atomic.Int64 // nanoseconds spent blocked
}

// New creates a Limiter enforcing at least interval between permits.
// A zero or negative interval disables spacing.
func New(interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       interval,
	}
}

// NewPerSecond creates a Limiter from a requests-per-second rate.
func NewPerSecond(ratePerSec float64) *Limiter {
	if ratePerSec <= 0 {
		return New(0)
	}
	return New(time.Duration(float64(time.Second) / ratePerSec))
}

// Wait blocks until a permit is available or the context is cancelled.
// A cancelled waiter still consumes its slot.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	permitTime := l.nextPermitTime
	if permitTime.Before(now) {
		permitTime = now
	}
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	l.waits.Add(1)
	waitDuration := permitTime.Sub(now)
	if waitDuration <= 0 {
		return nil
	}
	l.waited.Add(int64(waitDuration))

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetInterval changes the spacing for subsequent permits.
func (l *Limiter) SetInterval(interval time.Duration) {
	if interval < 0 {
		interval = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = interval
	now := time.Now()
	if l.nextPermitTime.After(now.Add(interval)) {
		l.nextPermitTime = now.Add(interval)
	}
}

// Interval returns the current spacing.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Stats returns the number of permits issued and the total time callers spent blocked.
func (l *Limiter) Stats() (permits int64, blocked time.Duration) {
	return l.waits.Load(), time.Duration(l.waited.Load())
}
