package ratelimit

import "time"

const (
	defaultGrowthFactor = 1.5
	defaultMaxStretch   = 4.0
)

// BackoffPolicy stretches the effective interval while the upstream keeps
// signalling rate limiting, and relaxes it one step per success. It is a
// policy layered on top of the fixed-quota interval, never below it.
type BackoffPolicy struct {
	growth     float64
	maxStretch float64
	level      int
}

// NewBackoffPolicy builds a policy with the given growth factor per
// consecutive rate-limit signal and a cap on the total stretch. Zero values
// select the defaults (1.5x growth, 4x cap).
func NewBackoffPolicy(growth, maxStretch float64) *BackoffPolicy {
	if growth <= 1 {
		growth = defaultGrowthFactor
	}
	if maxStretch < 1 {
		maxStretch = defaultMaxStretch
	}
	return &BackoffPolicy{growth: growth, maxStretch: maxStretch}
}

// adjust returns the effective interval after accounting for the outcome.
// Callers hold the limiter mutex.
func (p *BackoffPolicy) adjust(target time.Duration, outcome Outcome) time.Duration {
	switch outcome {
	case OutcomeRateLimited:
		p.level++
	case OutcomeSuccess:
		if p.level > 0 {
			p.level--
		}
	}

	stretch := 1.0
	for i := 0; i < p.level; i++ {
		stretch *= p.growth
		if stretch >= p.maxStretch {
			stretch = p.maxStretch
			break
		}
	}

	return time.Duration(float64(target) * stretch)
}
