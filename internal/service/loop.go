package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// LoopOptions tune loop behaviour.
type LoopOptions struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Loop drives aligned re-planning in `sync --loop` mode.
type Loop struct {
	opts   LoopOptions
	logger zerolog.Logger
}

// NewLoop constructs a Loop instance.
func NewLoop(opts LoopOptions, logger zerolog.Logger) *Loop {
	if opts.Interval <= 0 {
		panic("loop interval must be positive")
	}
	return &Loop{opts: opts, logger: logger.With().Str("component", "loop").Logger()}
}

// Run blocks, invoking the tick function at each aligned interval until ctx
// is cancelled.
func (l *Loop) Run(ctx context.Context, tick TickFunc) error {
	if l.opts.StartupDelay > 0 {
		timer := time.NewTimer(l.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := l.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = l.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		l.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := l.bucketStart(next)
		l.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")

		if err := tick(ctx, bucket); err != nil {
			l.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}

		next = next.Add(l.opts.Interval)
	}
}

func (l *Loop) nextTick(now time.Time) time.Time {
	if !l.opts.AlignToStart {
		return now.Add(l.opts.Interval)
	}
	bucket := now.Truncate(l.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(l.opts.Interval)
	}
	return bucket
}

func (l *Loop) bucketStart(t time.Time) time.Time {
	if !l.opts.AlignToStart {
		return t
	}
	return t.Truncate(l.opts.Interval)
}
