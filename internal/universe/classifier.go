package universe

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is the coarse scheduling classification of an entity.
type Tier string

const (
	TierCore     Tier = "core"
	TierExtended Tier = "extended"
	TierLongTail Tier = "long_tail"
)

// Rank orders tiers for comparisons; higher is better.
func (t Tier) Rank() int {
	switch t {
	case TierCore:
		return 2
	case TierExtended:
		return 1
	default:
		return 0
	}
}

// Weight is the tier contribution to the scheduling priority score.
func (t Tier) Weight() float64 {
	switch t {
	case TierCore:
		return 1.0
	case TierExtended:
		return 0.7
	default:
		return 0.3
	}
}

// Entry is the persisted classification of one entity. Recomputed on each
// full pass; the previous tier and pending-demotion flag feed the hysteresis.
type Entry struct {
	Symbol               string
	Tier                 Tier
	DCS                  float64
	LiquidityScore       float64
	AvgDailyDollarVolume decimal.Decimal
	PeriodsOfHistory     int
	DemotionPending      bool
	ClassifiedAt         time.Time
}

// Thresholds carry the classification boundaries.
type Thresholds struct {
	CoreLiquidityUSD   decimal.Decimal
	CoreMinDCS         float64
	CoreMinPeriods     int
	ExtendedMinDCS     float64
	ExtendedMinPeriods int
	DemotionMargin     float64
}

// DefaultThresholds mirror the production reference values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CoreLiquidityUSD:   decimal.NewFromInt(5_000_000),
		CoreMinDCS:         0.8,
		CoreMinPeriods:     8,
		ExtendedMinDCS:     0.6,
		ExtendedMinPeriods: 4,
		DemotionMargin:     0.05,
	}
}

// Classify assigns a tier from coverage, liquidity, and history depth.
// Pure function; the caller persists the result.
func Classify(dcs float64, avgDailyDollarVolume decimal.Decimal, periodsOfHistory int, th Thresholds) Tier {
	if avgDailyDollarVolume.GreaterThanOrEqual(th.CoreLiquidityUSD) &&
		dcs >= th.CoreMinDCS &&
		periodsOfHistory >= th.CoreMinPeriods {
		return TierCore
	}
	if dcs >= th.ExtendedMinDCS && periodsOfHistory >= th.ExtendedMinPeriods {
		return TierExtended
	}
	return TierLongTail
}

// Stabilize applies demotion hysteresis on top of a raw classification.
// Promotions take effect immediately. A demotion only takes effect when the
// coverage score has fallen below the previous tier's floor by more than the
// margin, or when the raw result has called for it on two consecutive passes;
// otherwise the previous tier is kept and the demotion marked pending.
func Stabilize(prev Tier, demotionPending bool, raw Tier, dcs float64, th Thresholds) (Tier, bool) {
	if raw.Rank() >= prev.Rank() {
		return raw, false
	}

	floor := th.ExtendedMinDCS
	if prev == TierCore {
		floor = th.CoreMinDCS
	}
	if dcs < floor-th.DemotionMargin {
		return raw, false
	}
	if demotionPending {
		return raw, false
	}
	return prev, true
}
