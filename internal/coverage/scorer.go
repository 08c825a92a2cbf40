package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the five independently measured component scores, each in
// [0,1].
type Metrics struct {
	StatementCompleteness float64 `json:"statement_completeness"`
	FilingFreshness       float64 `json:"filing_freshness"`
	EstimateFreshness     float64 `json:"estimate_freshness"`
	CashFlowConsistency   float64 `json:"cash_flow_consistency"`
	PriceFreshness        float64 `json:"price_freshness"`
}

// Component weights of the composite score. They must sum to exactly 1.0.
const (
	WeightStatementCompleteness = 0.35
	WeightFilingFreshness       = 0.20
	WeightEstimateFreshness     = 0.15
	WeightCashFlowConsistency   = 0.15
	WeightPriceFreshness        = 0.15
)

// DCS collapses the component scores into the data coverage score, a convex
// combination clamped to [0,1].
func DCS(m Metrics) float64 {
	score := WeightStatementCompleteness*m.StatementCompleteness +
		WeightFilingFreshness*m.FilingFreshness +
		WeightEstimateFreshness*m.EstimateFreshness +
		WeightCashFlowConsistency*m.CashFlowConsistency +
		WeightPriceFreshness*m.PriceFreshness
	return clamp01(score)
}

// Completeness scores observed against expected period counts, capped at 1.
func Completeness(observed, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return clamp01(float64(observed) / float64(expected))
}

// Recency is a step decay of days since the latest observation.
func Recency(daysSince float64) float64 {
	switch {
	case daysSince <= 3:
		return 1.0
	case daysSince <= 7:
		return 0.8
	case daysSince <= 30:
		return 0.5
	case daysSince <= 90:
		return 0.2
	default:
		return 0.0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// HistoryReader exposes the read-only history queries the scorer needs.
type HistoryReader interface {
	CountStatementPeriods(ctx context.Context, symbol string, lookback int) (int, error)
	CountCashFlowPeriods(ctx context.Context, symbol string, lookback int) (int, error)
	LatestFilingDate(ctx context.Context, symbol string) (*time.Time, error)
	LatestEstimateDate(ctx context.Context, symbol string) (*time.Time, error)
	LatestPriceDate(ctx context.Context, symbol string) (*time.Time, error)
}

// Scorer computes coverage metrics for one entity at a time.
type Scorer struct {
	history  HistoryReader
	lookback int
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScorer wires a scorer over the history reader. lookback is the number of
// quarterly periods a fully covered entity is expected to have.
func NewScorer(history HistoryReader, lookback int, logger zerolog.Logger) *Scorer {
	if lookback <= 0 {
		lookback = 8
	}
	return &Scorer{
		history:  history,
		lookback: lookback,
		logger:   logger.With().Str("component", "coverage_scorer").Logger(),
		now:      time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (s *Scorer) WithNow(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score measures the five coverage components for a symbol.
func (s *Scorer) Score(ctx context.Context, symbol string) (Metrics, error) {
	var m Metrics

	statements, err := s.history.CountStatementPeriods(ctx, symbol, s.lookback)
	if err != nil {
		return m, fmt.Errorf("count statement periods for %s: %w", symbol, err)
	}
	m.StatementCompleteness = Completeness(statements, s.lookback)

	cashFlows, err := s.history.CountCashFlowPeriods(ctx, symbol, s.lookback)
	if err != nil {
		return m, fmt.Errorf("count cash flow periods for %s: %w", symbol, err)
	}
	m.CashFlowConsistency = Completeness(cashFlows, s.lookback)

	m.FilingFreshness, err = s.recencyOf(ctx, symbol, s.history.LatestFilingDate)
	if err != nil {
		return m, fmt.Errorf("latest filing date for %s: %w", symbol, err)
	}

	m.EstimateFreshness, err = s.recencyOf(ctx, symbol, s.history.LatestEstimateDate)
	if err != nil {
		return m, fmt.Errorf("latest estimate date for %s: %w", symbol, err)
	}

	m.PriceFreshness, err = s.recencyOf(ctx, symbol, s.history.LatestPriceDate)
	if err != nil {
		return m, fmt.Errorf("latest price date for %s: %w", symbol, err)
	}

	s.logger.Debug().
		Str("symbol", symbol).
		Float64("dcs", DCS(m)).
		Msg("coverage scored")

	return m, nil
}

func (s *Scorer) recencyOf(ctx context.Context, symbol string, latest func(context.Context, string) (*time.Time, error)) (float64, error) {
	ts, err := latest(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if ts == nil {
		return 0, nil
	}
	days := s.now().Sub(*ts).Hours() / 24
	if days < 0 {
		days = 0
	}
	return Recency(days), nil
}
