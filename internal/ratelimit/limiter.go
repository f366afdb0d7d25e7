package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// admissionMargin is added to the computed wait so a caller woken at the
// window edge does not race the provider's own clock.
const admissionMargin = 100 * time.Millisecond

// Limiter bounds the number of admissions inside a sliding time window.
// It is advisory throttling against self-inflicted provider rate-limit
// errors, not a circuit breaker: Acquire blocks until a slot frees up.
//
// One instance may be shared by any number of goroutines. Admission
// order is not FIFO; the only guarantee is that no caller is admitted
// while the window is saturated.
type Limiter struct {
	max    int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time
	now    func() time.Time
}

// New creates a limiter admitting at most max calls per window.
func New(max int, window time.Duration) (*Limiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("max requests must be positive, got %d", max)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %v", window)
	}
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}, nil
}

// Acquire blocks until the caller may make one more outbound call, or
// until ctx is cancelled. On success the call is recorded in the window.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < l.max {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.window - now.Sub(l.stamps[0]) + admissionMargin
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// prune drops timestamps that have left the window. Caller holds l.mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.stamps) && now.Sub(l.stamps[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[cut:]...)
	}
}
