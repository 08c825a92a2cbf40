package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fundsync/internal/contenthash"
	"fundsync/internal/fetcher"
	"fundsync/internal/ratelimit"
	"fundsync/internal/scheduler"
	"fundsync/internal/storage"
)

// FundamentalsStore is the persistence surface the execution loop writes to.
type FundamentalsStore interface {
	GetFundamentalHash(ctx context.Context, symbol string, periodEnd time.Time) (string, error)
	UpsertFundamental(ctx context.Context, row storage.FundamentalRow) error
	GetPayloadFingerprint(ctx context.Context, source, symbol string) (string, error)
	UpsertPayloadFingerprint(ctx context.Context, source, symbol, hash string, now time.Time) error
}

// WatermarkUpdater records the outcome of each processing attempt.
type WatermarkUpdater interface {
	Update(ctx context.Context, source, symbol string, newValue *time.Time, success bool) error
}

// Limiter is the shared outbound-call gate.
type Limiter interface {
	Acquire(ctx context.Context) error
	ReportOutcome(outcome ratelimit.Outcome)
}

// Options tune plan execution.
type Options struct {
	Workers            int
	SkipUnchangedWrite bool
}

// Service executes scheduling plans: every candidate passes through the
// shared rate limiter, is fetched, change-detected, conditionally persisted,
// and always yields exactly one watermark update.
type Service struct {
	fetcher    fetcher.FundamentalsFetcher
	store      FundamentalsStore
	watermarks WatermarkUpdater
	limiter    Limiter
	opts       Options
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs the execution service.
func New(f fetcher.FundamentalsFetcher, store FundamentalsStore, watermarks WatermarkUpdater, limiter Limiter, opts Options, logger zerolog.Logger) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Service{
		fetcher:    f,
		store:      store,
		watermarks: watermarks,
		limiter:    limiter,
		opts:       opts,
		logger:     logger.With().Str("component", "service").Logger(),
		now:        time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

type counters struct {
	mu        sync.Mutex
	succeeded int
	failed    int
	skipped   int
}

func (c *counters) add(outcome outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case outcomeSucceeded:
		c.succeeded++
	case outcomeFailed:
		c.failed++
	case outcomeSkipped:
		c.skipped++
	}
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Execute runs a plan with a bounded worker pool. Entity-level failures are
// absorbed into watermark updates; persistence failures abort the run after
// in-flight candidates finish.
func (s *Service) Execute(ctx context.Context, plan scheduler.Plan) (storage.SyncRun, error) {
	run := storage.SyncRun{
		Source:    plan.Source,
		StartedAt: s.now().UTC(),
		Planned:   len(plan.Candidates),
		Excluded:  plan.Excluded,
	}

	var tally counters
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Workers)

	for _, candidate := range plan.Candidates {
		group.Go(func() error {
			result, err := s.processCandidate(groupCtx, plan.Source, candidate)
			if err != nil {
				return err
			}
			tally.add(result)
			return nil
		})
	}

	err := group.Wait()

	run.FinishedAt = s.now().UTC()
	run.Succeeded = tally.succeeded
	run.Failed = tally.failed
	run.Skipped = tally.skipped

	s.logger.Info().
		Str("source", run.Source).
		Int("planned", run.Planned).
		Int("succeeded", run.Succeeded).
		Int("failed", run.Failed).
		Int("skipped", run.Skipped).
		Int("excluded", run.Excluded).
		Dur("elapsed", run.FinishedAt.Sub(run.StartedAt)).
		Msg("plan execution finished")

	if err != nil {
		return run, err
	}
	return run, nil
}

// processCandidate handles one entity end to end. The returned error is
// fatal to the run; recoverable entity failures return outcomeFailed after
// recording the failed attempt.
func (s *Service) processCandidate(ctx context.Context, source string, candidate scheduler.Candidate) (outcome, error) {
	if err := s.limiter.Acquire(ctx); err != nil {
		return outcomeFailed, err
	}

	payload, err := s.fetcher.FetchFundamentals(ctx, candidate.Symbol)
	if err != nil {
		if errors.Is(err, fetcher.ErrRateLimited) {
			s.limiter.ReportOutcome(ratelimit.OutcomeRateLimited)
		} else {
			s.limiter.ReportOutcome(ratelimit.OutcomeError)
		}
		s.logger.Warn().Err(err).Str("symbol", candidate.Symbol).Msg("fetch failed")
		return s.recordFailure(ctx, source, candidate.Symbol)
	}
	s.limiter.ReportOutcome(ratelimit.OutcomeSuccess)

	rawHash, err := hashRawPayload(payload.Raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("symbol", candidate.Symbol).Msg("payload rejected by hasher")
		return s.recordFailure(ctx, source, candidate.Symbol)
	}

	if s.opts.SkipUnchangedWrite {
		previous, err := s.store.GetPayloadFingerprint(ctx, source, candidate.Symbol)
		if err != nil {
			return outcomeFailed, err
		}
		if previous != "" && previous == rawHash {
			if err := s.watermarks.Update(ctx, source, candidate.Symbol, nil, true); err != nil {
				return outcomeFailed, err
			}
			s.logger.Debug().Str("symbol", candidate.Symbol).Msg("payload unchanged; write skipped")
			return outcomeSkipped, nil
		}
	}

	if err := s.landStatements(ctx, payload); err != nil {
		var validationErr *validationError
		if errors.As(err, &validationErr) {
			s.logger.Warn().Err(err).Str("symbol", candidate.Symbol).Msg("payload failed validation")
			return s.recordFailure(ctx, source, candidate.Symbol)
		}
		return outcomeFailed, err
	}

	if err := s.store.UpsertPayloadFingerprint(ctx, source, candidate.Symbol, rawHash, s.now().UTC()); err != nil {
		return outcomeFailed, err
	}
	if err := s.watermarks.Update(ctx, source, candidate.Symbol, payload.LatestPeriodEnd(), true); err != nil {
		return outcomeFailed, err
	}
	return outcomeSucceeded, nil
}

// recordFailure converts an entity-level failure into a watermark update so
// the attempt is never silently lost. A failing update is fatal.
func (s *Service) recordFailure(ctx context.Context, source, symbol string) (outcome, error) {
	if err := s.watermarks.Update(ctx, source, symbol, nil, false); err != nil {
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

// validationError marks malformed payload content, isolated to one entity.
type validationError struct {
	symbol string
	err    error
}

func (e *validationError) Error() string {
	return fmt.Sprintf("validate payload for %s: %v", e.symbol, e.err)
}

func (e *validationError) Unwrap() error { return e.err }

// landStatements upserts statements whose content hash differs from the
// stored row. Unchanged rows are left untouched.
func (s *Service) landStatements(ctx context.Context, payload fetcher.Payload) error {
	now := s.now().UTC()
	for _, statement := range payload.Statements {
		digest, err := contenthash.Hash(statement.Fields())
		if err != nil {
			return &validationError{symbol: payload.Symbol, err: err}
		}

		existing, err := s.store.GetFundamentalHash(ctx, payload.Symbol, statement.PeriodEnd)
		if err != nil {
			return err
		}
		if existing == digest.String() {
			continue
		}

		row := storage.FundamentalRow{
			Symbol:            payload.Symbol,
			PeriodEnd:         statement.PeriodEnd,
			FiledAt:           statement.FiledAt,
			Revenue:           statement.Revenue,
			NetIncome:         statement.NetIncome,
			EPS:               statement.EPS,
			OperatingCashFlow: statement.OperatingCashFlow,
			TotalAssets:       statement.TotalAssets,
			ContentHash:       digest.String(),
			UpdatedAt:         now,
		}
		if err := s.store.UpsertFundamental(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// hashRawPayload canonicalises the raw response before fingerprinting so the
// digest ignores upstream key ordering.
func hashRawPayload(raw json.RawMessage) (string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("decode raw payload: %w", err)
	}
	digest, err := contenthash.HashRaw(doc)
	if err != nil {
		return "", err
	}
	return digest.String(), nil
}
