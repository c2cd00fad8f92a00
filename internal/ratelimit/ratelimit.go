// Package ratelimit implements spec.md §4.2's token bucket with ramping
// capacity: built on golang.org/x/time/rate (the library the teacher repo
// already reaches for in its flow-writer throttling) rather than hand-rolled
// refill math, with the spec's 5-minute ramp schedule layered on top.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RampInterval is the fixed schedule on which capacity grows (spec §4.2).
const RampInterval = 5 * time.Minute

// RampFactor is the per-tick capacity multiplier.
const RampFactor = 1.5

// Unlimited marks a limiter with throttling disabled.
const Unlimited = math.MaxFloat64

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Limiter is a ramping token bucket: capacity starts at Initial ops/sec and
// grows by RampFactor every RampInterval, up to Max (or indefinitely if Max
// is Unlimited).
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	current float64
	max     float64
	start   time.Time
	ticks   int
	now     Clock
}

// New creates a Limiter. initial and max are ops/sec; max <= 0 means no
// ceiling (ramping continues indefinitely).
func New(initial, max float64) *Limiter {
	if initial <= 0 {
		initial = 500
	}
	if max <= 0 {
		max = Unlimited
	}
	now := time.Now
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(initial), int(math.Ceil(initial))),
		current: initial,
		max:     max,
		start:   now(),
		now:     now,
	}
}

// Disabled returns a Limiter that never throttles.
func Disabled() *Limiter {
	l := New(Unlimited, Unlimited)
	return l
}

func (l *Limiter) setClock(c Clock) { l.now = c; l.start = c() }

// ramp advances capacity for every 5-minute tick elapsed since start,
// matching spec §4.2: "at each 5-minute tick since start, C <- min(Cmax,
// floor(C*1.5))". Must be called with l.mu held.
func (l *Limiter) ramp() {
	if l.current >= l.max {
		return
	}
	elapsed := l.now().Sub(l.start)
	wantTicks := int(elapsed / RampInterval)
	for l.ticks < wantTicks && l.current < l.max {
		next := math.Floor(l.current * RampFactor)
		if next > l.max {
			next = l.max
		}
		l.current = next
		l.ticks++
		l.limiter.SetLimit(rate.Limit(l.current))
		l.limiter.SetBurst(int(math.Ceil(l.current)))
	}
}

// TryAcquire attempts to take n tokens immediately, leaving state untouched
// on failure.
func (l *Limiter) TryAcquire(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ramp()
	return l.limiter.AllowN(l.now(), n)
}

// WaitFor returns the shortest non-negative duration after which
// TryAcquire(n) would succeed at the current capacity; a ramp tick that
// falls inside that duration is not taken into account.
func (l *Limiter) WaitFor(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ramp()
	r := l.limiter.ReserveN(l.now(), n)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(l.now())
	r.Cancel()
	if delay < 0 {
		return 0
	}
	return delay
}

// Wait blocks until n tokens are available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	d := l.WaitFor(n)
	if d <= 0 {
		l.TryAcquire(n)
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		l.TryAcquire(n)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Capacity reports the current ramped capacity in ops/sec.
func (l *Limiter) Capacity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ramp()
	return l.current
}
