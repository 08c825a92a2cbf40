package watermark

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is the persisted processing state of one (source, entity) pair.
type Record struct {
	Source              string
	Symbol              string
	LastValue           *time.Time
	LastSuccessAt       *time.Time
	ConsecutiveFailures int
	UpdatedAt           time.Time
}

// Repository is the persistence contract. The success upsert must merge
// last_value with GREATEST semantics and reset the failure counter in a
// single statement; the failure upsert increments the counter and leaves
// last_value and last_success_at untouched.
type Repository interface {
	GetWatermark(ctx context.Context, source, symbol string) (*Record, error)
	UpsertWatermarkSuccess(ctx context.Context, source, symbol string, newValue *time.Time, now time.Time) error
	UpsertWatermarkFailure(ctx context.Context, source, symbol string, now time.Time) error
}

// Store wraps the repository with per-key serialisation and the scheduling
// decisions derived from watermark state.
type Store struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a watermark store over a repository.
func NewStore(repo Repository, logger zerolog.Logger) *Store {
	return &Store{
		repo:   repo,
		logger: logger.With().Str("component", "watermark_store").Logger(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// WithNow overrides the clock. Test hook.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns the record for a pair, or nil when never seen.
func (s *Store) Get(ctx context.Context, source, symbol string) (*Record, error) {
	return s.repo.GetWatermark(ctx, source, symbol)
}

// Update records the outcome of one processing attempt. Success resets the
// failure counter and merges newValue monotonically; failure increments the
// counter. Updates to the same key are serialised; the scheduler never emits
// an entity twice in a plan, the lock guards against racing workers anyway.
func (s *Store) Update(ctx context.Context, source, symbol string, newValue *time.Time, success bool) error {
	lock := s.keyLock(source, symbol)
	lock.Lock()
	defer lock.Unlock()

	now := s.now().UTC()
	if success {
		if err := s.repo.UpsertWatermarkSuccess(ctx, source, symbol, newValue, now); err != nil {
			return fmt.Errorf("watermark success update %s/%s: %w", source, symbol, err)
		}
		return nil
	}
	if err := s.repo.UpsertWatermarkFailure(ctx, source, symbol, now); err != nil {
		return fmt.Errorf("watermark failure update %s/%s: %w", source, symbol, err)
	}
	return nil
}

// NeedsProcessing decides whether the pair is due for a regular refresh.
// Never-seen pairs are always due; pairs at the failure ceiling are excluded
// until an operator intervenes or a success resets the counter.
func (s *Store) NeedsProcessing(ctx context.Context, source, symbol string, stalenessWindow time.Duration, maxFailures int) (bool, error) {
	record, err := s.repo.GetWatermark(ctx, source, symbol)
	if err != nil {
		return false, fmt.Errorf("read watermark %s/%s: %w", source, symbol, err)
	}
	if record == nil {
		return true, nil
	}
	if record.ConsecutiveFailures >= maxFailures {
		return false, nil
	}
	if record.LastSuccessAt == nil {
		return true, nil
	}
	return s.now().Sub(*record.LastSuccessAt) >= stalenessWindow, nil
}

// NeedsQuarterlyRefresh reports whether the latest ingested period lags the
// quarter that should already be available given the reporting lag. The
// cooling-off clause keeps chronically gapped entities (issuers that simply
// never file) from being re-selected every run.
func (s *Store) NeedsQuarterlyRefresh(ctx context.Context, source, symbol string, reportingLagDays, coolingOffDays int) (bool, error) {
	record, err := s.repo.GetWatermark(ctx, source, symbol)
	if err != nil {
		return false, fmt.Errorf("read watermark %s/%s: %w", source, symbol, err)
	}
	if record == nil {
		return true, nil
	}

	now := s.now().UTC()
	expected := LatestReportableQuarterEnd(now, reportingLagDays)

	if record.LastValue != nil && !record.LastValue.Before(expected) {
		return false, nil
	}
	if record.LastSuccessAt != nil {
		coolingOff := time.Duration(coolingOffDays) * 24 * time.Hour
		if now.Sub(*record.LastSuccessAt) < coolingOff {
			return false, nil
		}
	}
	return true, nil
}

func (s *Store) keyLock(source, symbol string) *sync.Mutex {
	key := source + "\x00" + symbol
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// LatestReportableQuarterEnd returns the most recent calendar-quarter end E
// with now - E >= reportingLagDays, in UTC day terms.
func LatestReportableQuarterEnd(now time.Time, reportingLagDays int) time.Time {
	lag := time.Duration(reportingLagDays) * 24 * time.Hour
	end := previousQuarterEnd(now)
	for now.Sub(end) < lag {
		end = previousQuarterEnd(end)
	}
	return end
}

// previousQuarterEnd returns the latest quarter end strictly before t.
func previousQuarterEnd(t time.Time) time.Time {
	t = t.UTC()
	for y := t.Year(); ; y-- {
		for _, m := range []time.Month{time.December, time.September, time.June, time.March} {
			end := quarterEndDate(y, m)
			if end.Before(t) {
				return end
			}
		}
	}
}

func quarterEndDate(year int, month time.Month) time.Time {
	day := 31
	if month == time.June || month == time.September {
		day = 30
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
