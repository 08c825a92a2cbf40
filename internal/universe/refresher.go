package universe

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fundsync/internal/coverage"
)

// liquidityLookbackDays is the window for the average daily dollar volume.
const liquidityLookbackDays = 90

// Repository persists universe entries.
type Repository interface {
	GetEntry(ctx context.Context, symbol string) (*Entry, error)
	UpsertEntry(ctx context.Context, entry Entry) error
}

// Inputs exposes the liquidity and history-depth reads the refresher needs.
type Inputs interface {
	AvgDailyDollarVolume(ctx context.Context, symbol string, lookbackDays int) (decimal.Decimal, error)
	PeriodsOfHistory(ctx context.Context, symbol string) (int, error)
}

// Refresher runs a full classification pass over the entity universe.
type Refresher struct {
	scorer     *coverage.Scorer
	inputs     Inputs
	repo       Repository
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewRefresher wires a classification pass.
func NewRefresher(scorer *coverage.Scorer, inputs Inputs, repo Repository, th Thresholds, logger zerolog.Logger) *Refresher {
	return &Refresher{
		scorer:     scorer,
		inputs:     inputs,
		repo:       repo,
		thresholds: th,
		logger:     logger.With().Str("component", "universe_refresher").Logger(),
		now:        time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (r *Refresher) WithNow(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// RefreshSymbol recomputes and persists the classification of one entity.
func (r *Refresher) RefreshSymbol(ctx context.Context, symbol string) (Entry, error) {
	metrics, err := r.scorer.Score(ctx, symbol)
	if err != nil {
		return Entry{}, err
	}
	dcs := coverage.DCS(metrics)

	volume, err := r.inputs.AvgDailyDollarVolume(ctx, symbol, liquidityLookbackDays)
	if err != nil {
		return Entry{}, fmt.Errorf("avg daily dollar volume for %s: %w", symbol, err)
	}

	periods, err := r.inputs.PeriodsOfHistory(ctx, symbol)
	if err != nil {
		return Entry{}, fmt.Errorf("periods of history for %s: %w", symbol, err)
	}

	raw := Classify(dcs, volume, periods, r.thresholds)

	tier := raw
	pending := false
	prev, err := r.repo.GetEntry(ctx, symbol)
	if err != nil {
		return Entry{}, fmt.Errorf("previous entry for %s: %w", symbol, err)
	}
	if prev != nil {
		tier, pending = Stabilize(prev.Tier, prev.DemotionPending, raw, dcs, r.thresholds)
	}

	entry := Entry{
		Symbol:               symbol,
		Tier:                 tier,
		DCS:                  dcs,
		LiquidityScore:       liquidityScore(volume, r.thresholds.CoreLiquidityUSD),
		AvgDailyDollarVolume: volume,
		PeriodsOfHistory:     periods,
		DemotionPending:      pending,
		ClassifiedAt:         r.now().UTC(),
	}

	if err := r.repo.UpsertEntry(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("persist entry for %s: %w", symbol, err)
	}

	r.logger.Debug().
		Str("symbol", symbol).
		Str("tier", string(tier)).
		Float64("dcs", dcs).
		Bool("demotion_pending", pending).
		Msg("entity classified")

	return entry, nil
}

// Refresh classifies every symbol and reports per-tier counts.
func (r *Refresher) Refresh(ctx context.Context, symbols []string) (map[Tier]int, error) {
	counts := make(map[Tier]int, 3)
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return counts, err
		}
		entry, err := r.RefreshSymbol(ctx, symbol)
		if err != nil {
			return counts, err
		}
		counts[entry.Tier]++
	}

	r.logger.Info().
		Int("core", counts[TierCore]).
		Int("extended", counts[TierExtended]).
		Int("long_tail", counts[TierLongTail]).
		Msg("universe classification pass complete")

	return counts, nil
}

// liquidityScore normalises dollar volume against the core threshold into
// [0,1] for display and priority weighting.
func liquidityScore(volume, coreThreshold decimal.Decimal) float64 {
	if coreThreshold.IsZero() {
		return 0
	}
	ratio, _ := volume.Div(coreThreshold).Float64()
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}
