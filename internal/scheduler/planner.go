package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"fundsync/internal/storage"
	"fundsync/internal/universe"
	"fundsync/internal/watermark"
)

// Reason flags explaining why a candidate entered the plan.
const (
	ReasonNeverProcessed = "never-processed"
	ReasonStale          = "stale"
	ReasonQuarterlyGap   = "quarterly-gap"
	ReasonDCSPriority    = "dcs-priority"
)

// Candidate is one entity selected for processing, with its ranking inputs.
type Candidate struct {
	Symbol            string
	PriorityScore     float64
	Reasons           []string
	Tier              universe.Tier
	DCS               float64
	LastSuccessAt     *time.Time
	NeverProcessed    bool
	HoursSinceSuccess float64
}

// Plan is an ordered batch of work for one source.
type Plan struct {
	Source     string
	Candidates []Candidate
	Evaluated  int
	Excluded   int
	BuiltAt    time.Time
}

// Config carries the per-plan knobs.
type Config struct {
	StalenessWindow     time.Duration
	MaxFailures         int
	Limit               int
	QuarterlyGapEnabled bool
	ReportingLagDays    int
	CoolingOffDays      int
	PreScreeningEnabled bool
	DCSPriority         bool
	MinDCS              float64
	MaxStalenessHours   float64
}

// Weights of the informational priority score in DCS mode. The final order
// is tier-first; the score is carried for operator display.
const (
	priorityWeightDCS       = 0.4
	priorityWeightStaleness = 0.4
	priorityWeightTier      = 0.2
)

// WatermarkReader exposes the watermark decisions the planner consumes.
type WatermarkReader interface {
	Get(ctx context.Context, source, symbol string) (*watermark.Record, error)
	NeedsProcessing(ctx context.Context, source, symbol string, stalenessWindow time.Duration, maxFailures int) (bool, error)
	NeedsQuarterlyRefresh(ctx context.Context, source, symbol string, reportingLagDays, coolingOffDays int) (bool, error)
}

// EntitySource enumerates the tracked universe.
type EntitySource interface {
	ListEntities(ctx context.Context) ([]storage.Entity, error)
}

// UniverseReader resolves classification state for DCS-prioritised plans.
type UniverseReader interface {
	GetEntry(ctx context.Context, symbol string) (*universe.Entry, error)
}

// Predicate is an externally supplied eligibility filter over entities.
type Predicate func(storage.Entity) bool

// Planner builds ordered processing plans from persisted state. It performs
// reads only; any persistence error aborts the plan.
type Planner struct {
	watermarks WatermarkReader
	entities   EntitySource
	universe   UniverseReader
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPlanner wires a planner.
func NewPlanner(watermarks WatermarkReader, entities EntitySource, uni UniverseReader, logger zerolog.Logger) *Planner {
	return &Planner{
		watermarks: watermarks,
		entities:   entities,
		universe:   uni,
		logger:     logger.With().Str("component", "planner").Logger(),
		now:        time.Now,
	}
}

// WithNow overrides the clock. Test hook.
func (p *Planner) WithNow(now func() time.Time) *Planner {
	p.now = now
	return p
}

// BuildPlan ranks every eligible entity for the source. eligible filters the
// raw universe (active status, symbol patterns); prescreen is the optional
// second-stage filter applied only when enabled in config. Either may be nil.
func (p *Planner) BuildPlan(ctx context.Context, source string, cfg Config, eligible, prescreen Predicate) (Plan, error) {
	now := p.now().UTC()
	plan := Plan{Source: source, BuiltAt: now}

	entities, err := p.entities.ListEntities(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("enumerate entities: %w", err)
	}

	for _, entity := range entities {
		if err := ctx.Err(); err != nil {
			return Plan{}, err
		}
		if eligible != nil && !eligible(entity) {
			continue
		}
		plan.Evaluated++

		candidate, due, err := p.evaluate(ctx, source, cfg, entity, now)
		if err != nil {
			return Plan{}, err
		}
		if !due {
			continue
		}

		if cfg.PreScreeningEnabled && prescreen != nil && !prescreen(entity) {
			plan.Excluded++
			continue
		}

		if cfg.DCSPriority {
			entry, err := p.universe.GetEntry(ctx, entity.Symbol)
			if err != nil {
				return Plan{}, fmt.Errorf("universe entry for %s: %w", entity.Symbol, err)
			}
			candidate.Tier = universe.TierLongTail
			if entry != nil {
				candidate.Tier = entry.Tier
				candidate.DCS = entry.DCS
			}
			if candidate.DCS < cfg.MinDCS {
				plan.Excluded++
				continue
			}
			candidate.Reasons = append(candidate.Reasons, ReasonDCSPriority)
			candidate.PriorityScore = priorityScore(candidate, cfg)
		}

		plan.Candidates = append(plan.Candidates, candidate)
	}

	if cfg.DCSPriority {
		sortByTier(plan.Candidates)
	} else {
		sortDefault(plan.Candidates)
	}

	if cfg.Limit > 0 && len(plan.Candidates) > cfg.Limit {
		plan.Candidates = plan.Candidates[:cfg.Limit]
	}

	p.logger.Info().
		Str("source", source).
		Int("evaluated", plan.Evaluated).
		Int("excluded", plan.Excluded).
		Int("planned", len(plan.Candidates)).
		Bool("dcs_priority", cfg.DCSPriority).
		Msg("plan built")

	return plan, nil
}

func (p *Planner) evaluate(ctx context.Context, source string, cfg Config, entity storage.Entity, now time.Time) (Candidate, bool, error) {
	record, err := p.watermarks.Get(ctx, source, entity.Symbol)
	if err != nil {
		return Candidate{}, false, fmt.Errorf("watermark for %s: %w", entity.Symbol, err)
	}

	candidate := Candidate{Symbol: entity.Symbol, NeverProcessed: record == nil}
	if record != nil && record.LastSuccessAt != nil {
		ts := *record.LastSuccessAt
		candidate.LastSuccessAt = &ts
		candidate.HoursSinceSuccess = now.Sub(ts).Hours()
	} else {
		candidate.HoursSinceSuccess = cfg.MaxStalenessHours
	}

	due, err := p.watermarks.NeedsProcessing(ctx, source, entity.Symbol, cfg.StalenessWindow, cfg.MaxFailures)
	if err != nil {
		return Candidate{}, false, err
	}
	if due {
		if candidate.NeverProcessed {
			candidate.Reasons = append(candidate.Reasons, ReasonNeverProcessed)
		} else {
			candidate.Reasons = append(candidate.Reasons, ReasonStale)
		}
	}

	if cfg.QuarterlyGapEnabled {
		gap, err := p.watermarks.NeedsQuarterlyRefresh(ctx, source, entity.Symbol, cfg.ReportingLagDays, cfg.CoolingOffDays)
		if err != nil {
			return Candidate{}, false, err
		}
		if gap {
			candidate.Reasons = append(candidate.Reasons, ReasonQuarterlyGap)
			due = true
		}
	}

	return candidate, due, nil
}

// priorityScore is the weighted display score for DCS-mode candidates.
func priorityScore(c Candidate, cfg Config) float64 {
	staleness := 1.0
	if cfg.MaxStalenessHours > 0 {
		staleness = c.HoursSinceSuccess / cfg.MaxStalenessHours
		if staleness > 1 {
			staleness = 1
		}
	}
	return priorityWeightDCS*c.DCS +
		priorityWeightStaleness*staleness +
		priorityWeightTier*c.Tier.Weight()
}

// sortByTier orders DCS-mode plans: tier takes strict precedence, then the
// longest-unrefreshed first, then higher coverage first.
func sortByTier(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		if a.HoursSinceSuccess != b.HoursSinceSuccess {
			return a.HoursSinceSuccess > b.HoursSinceSuccess
		}
		if a.DCS != b.DCS {
			return a.DCS > b.DCS
		}
		return lessBySymbol(a, b)
	})
}

// sortDefault orders plans deterministically: never-processed entities first,
// then oldest success first, then shorter and lexicographically earlier keys.
func sortDefault(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.NeverProcessed != b.NeverProcessed {
			return a.NeverProcessed
		}
		switch {
		case a.LastSuccessAt == nil && b.LastSuccessAt != nil:
			return true
		case a.LastSuccessAt != nil && b.LastSuccessAt == nil:
			return false
		case a.LastSuccessAt != nil && b.LastSuccessAt != nil:
			if !a.LastSuccessAt.Equal(*b.LastSuccessAt) {
				return a.LastSuccessAt.Before(*b.LastSuccessAt)
			}
		}
		return lessBySymbol(a, b)
	})
}

func lessBySymbol(a, b Candidate) bool {
	if len(a.Symbol) != len(b.Symbol) {
		return len(a.Symbol) < len(b.Symbol)
	}
	return a.Symbol < b.Symbol
}
