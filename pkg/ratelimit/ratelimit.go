// Package ratelimit paces outbound vendor API calls. It combines a
// minimum inter-request interval with an optional sliding-window
// request budget, the two limits most SaaS APIs publish.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/inletio/inlet/pkg/config"
	"github.com/inletio/inlet/pkg/errors"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the limiter needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Stats reports limiter activity for monitoring.
type Stats struct {
	Requests     int64         `json:"requests"`
	TotalWaited  time.Duration `json:"total_waited"`
	WindowInUse  int           `json:"window_in_use"`
	LastRequest  time.Time     `json:"last_request"`
	MinInterval  time.Duration `json:"min_interval"`
	WindowBudget int           `json:"window_budget"`
}

// Limiter enforces a minimum interval between requests and, when
// configured, a request budget per sliding window. State is per
// instance; two connectors never share pacing.
type Limiter struct {
	minInterval time.Duration
	budget      int
	window      time.Duration
	clock       Clock

	mu          sync.Mutex
	last        time.Time
	stamps      []time.Time // request times inside the current window
	requests    int64
	totalWaited time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the limiter's time source.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New builds a Limiter from cfg. A zero-valued cfg yields a limiter
// whose Wait returns immediately.
func New(cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		minInterval: cfg.MinInterval,
		budget:      cfg.RequestBudget,
		window:      cfg.Window,
		clock:       realClock{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until the next request may proceed, or until ctx is
// done. A cancelled wait consumes no budget and returns a rate_limit
// error wrapping the context error.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		delay, ok := l.reserve()
		if ok {
			return nil
		}

		timer := l.clock.NewTimer(delay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), errors.ErrorTypeRateLimit,
				"rate limit wait cancelled")
		}
	}
}

// reserve either admits a request now (recording it) or returns the
// delay until the next admission attempt.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	if l.minInterval > 0 && !l.last.IsZero() {
		if wait := l.minInterval - now.Sub(l.last); wait > 0 {
			l.totalWaited += wait
			return wait, false
		}
	}

	if l.budget > 0 && l.window > 0 {
		l.pruneLocked(now)
		if len(l.stamps) >= l.budget {
			wait := l.stamps[0].Add(l.window).Sub(now)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			l.totalWaited += wait
			return wait, false
		}
		l.stamps = append(l.stamps, now)
	}

	l.last = now
	l.requests++
	return 0, true
}

// pruneLocked drops window entries older than the window start.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// GetStats returns a snapshot of limiter activity.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Requests:     l.requests,
		TotalWaited:  l.totalWaited,
		WindowInUse:  len(l.stamps),
		LastRequest:  l.last,
		MinInterval:  l.minInterval,
		WindowBudget: l.budget,
	}
}
