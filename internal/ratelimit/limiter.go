package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Outcome classifies the result of an upstream call, reported back to the
// limiter after the call completes.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeError
)

// Limiter is a shared gate bounding the outbound call rate. All workers must
// funnel through one instance; Acquire serialises callers so the gap between
// consecutive permits never drops below the target interval.
type Limiter struct {
	mu       sync.Mutex
	target   time.Duration
	current  time.Duration
	lastCall time.Time
	policy   *BackoffPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customises limiter construction.
type Option func(*Limiter)

// WithBackoff attaches an adaptive backoff policy consulted by ReportOutcome.
// Without it the limiter keeps the fixed quota-derived interval.
func WithBackoff(policy *BackoffPolicy) Option {
	return func(l *Limiter) { l.policy = policy }
}

// WithClock substitutes the time source and sleeper. Test hook.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		l.sleep = sleep
	}
}

// New derives the target interval from a calls-per-minute quota.
func New(callsPerMinute int, opts ...Option) (*Limiter, error) {
	if callsPerMinute <= 0 {
		return nil, fmt.Errorf("calls per minute must be positive, got %d", callsPerMinute)
	}

	interval := time.Minute / time.Duration(callsPerMinute)
	l := &Limiter{
		target:  interval,
		current: interval,
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until the next permit is due. The elapsed time since the
// previous permit, which includes the caller's own processing time, is
// credited against the wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.lastCall.IsZero() {
		if wait := l.current - now.Sub(l.lastCall); wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			now = l.now()
		}
	}

	l.lastCall = now
	return nil
}

// ReportOutcome feeds the upstream call result into the backoff policy.
// A no-op when no policy is configured.
func (l *Limiter) ReportOutcome(outcome Outcome) {
	if l.policy == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.current = l.policy.adjust(l.target, outcome)
}

// Interval reports the currently effective interval between permits.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
