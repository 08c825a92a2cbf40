package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundsync/internal/storage"
	"fundsync/internal/universe"
	"fundsync/internal/watermark"
)

var testNow = time.Date(2024, 11, 20, 12, 0, 0, 0, time.UTC)

type fakeWatermarks struct {
	records   map[string]*watermark.Record
	quarterly map[string]bool
	now       time.Time
}

func (f *fakeWatermarks) Get(_ context.Context, _, symbol string) (*watermark.Record, error) {
	if r, ok := f.records[symbol]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeWatermarks) NeedsProcessing(_ context.Context, _, symbol string, window time.Duration, maxFailures int) (bool, error) {
	r, ok := f.records[symbol]
	if !ok {
		return true, nil
	}
	if r.ConsecutiveFailures >= maxFailures {
		return false, nil
	}
	if r.LastSuccessAt == nil {
		return true, nil
	}
	return f.now.Sub(*r.LastSuccessAt) >= window, nil
}

func (f *fakeWatermarks) NeedsQuarterlyRefresh(_ context.Context, _, symbol string, _, _ int) (bool, error) {
	return f.quarterly[symbol], nil
}

type fakeEntities struct {
	entities []storage.Entity
}

func (f *fakeEntities) ListEntities(context.Context) ([]storage.Entity, error) {
	return f.entities, nil
}

type fakeUniverse struct {
	entries map[string]*universe.Entry
}

func (f *fakeUniverse) GetEntry(_ context.Context, symbol string) (*universe.Entry, error) {
	if e, ok := f.entries[symbol]; ok {
		return e, nil
	}
	return nil, nil
}

func entity(symbol string) storage.Entity {
	return storage.Entity{Symbol: symbol, AssetType: "Stock", Active: true}
}

func succeededAt(t time.Time) *watermark.Record {
	return &watermark.Record{LastSuccessAt: &t}
}

func newTestPlanner(wm *fakeWatermarks, entities []storage.Entity, uni *fakeUniverse) *Planner {
	wm.now = testNow
	if uni == nil {
		uni = &fakeUniverse{}
	}
	return NewPlanner(wm, &fakeEntities{entities: entities}, uni, zerolog.Nop()).
		WithNow(func() time.Time { return testNow })
}

func baseConfig() Config {
	return Config{
		StalenessWindow:   24 * time.Hour,
		MaxFailures:       3,
		MaxStalenessHours: 168,
	}
}

func symbols(plan Plan) []string {
	out := make([]string, 0, len(plan.Candidates))
	for _, c := range plan.Candidates {
		out = append(out, c.Symbol)
	}
	return out
}

func TestDefaultOrdering(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{
		"AAPL":  succeededAt(testNow.Add(-48 * time.Hour)),
		"MSFT":  succeededAt(testNow.Add(-72 * time.Hour)),
		"GOOGL": succeededAt(testNow.Add(-48 * time.Hour)),
		"AA":    succeededAt(testNow.Add(-48 * time.Hour)),
	}}
	entities := []storage.Entity{
		entity("AAPL"), entity("MSFT"), entity("NEW"), entity("GOOGL"), entity("AA"),
	}

	planner := newTestPlanner(wm, entities, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", baseConfig(), nil, nil)
	require.NoError(t, err)

	// Never-processed first, then oldest success, then shorter key, then lex.
	assert.Equal(t, []string{"NEW", "MSFT", "AA", "AAPL", "GOOGL"}, symbols(plan))
	assert.Contains(t, plan.Candidates[0].Reasons, ReasonNeverProcessed)
	assert.Contains(t, plan.Candidates[1].Reasons, ReasonStale)
}

func TestFailureCeilingExcluded(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{
		"DEAD": {ConsecutiveFailures: 3},
	}}

	planner := newTestPlanner(wm, []storage.Entity{entity("DEAD"), entity("OK")}, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", baseConfig(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"OK"}, symbols(plan))
}

func TestQuarterlyGapSelectsFreshEntity(t *testing.T) {
	wm := &fakeWatermarks{
		records: map[string]*watermark.Record{
			"AAPL": succeededAt(testNow.Add(-1 * time.Hour)), // within staleness window
		},
		quarterly: map[string]bool{"AAPL": true},
	}

	cfg := baseConfig()
	cfg.QuarterlyGapEnabled = true
	cfg.ReportingLagDays = 45
	cfg.CoolingOffDays = 7

	planner := newTestPlanner(wm, []storage.Entity{entity("AAPL")}, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, nil)
	require.NoError(t, err)

	require.Len(t, plan.Candidates, 1)
	assert.Equal(t, []string{ReasonQuarterlyGap}, plan.Candidates[0].Reasons)
}

func TestPreScreeningExcludes(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{}}
	entities := []storage.Entity{entity("GOOD"), entity("BAD")}

	cfg := baseConfig()
	cfg.PreScreeningEnabled = true
	prescreen := func(e storage.Entity) bool { return e.Symbol != "BAD" }

	planner := newTestPlanner(wm, entities, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, prescreen)
	require.NoError(t, err)

	assert.Equal(t, []string{"GOOD"}, symbols(plan))
	assert.Equal(t, 1, plan.Excluded)
}

func TestEligibilityFilterSkipsBeforeEvaluation(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{}}
	entities := []storage.Entity{
		entity("AAPL"),
		{Symbol: "XYZ-WT", AssetType: "Stock", Active: true},
	}

	eligible := func(e storage.Entity) bool { return e.Symbol == "AAPL" }

	planner := newTestPlanner(wm, entities, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", baseConfig(), eligible, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, symbols(plan))
	assert.Equal(t, 1, plan.Evaluated)
}

func TestLimitTruncates(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{}}
	entities := []storage.Entity{entity("A"), entity("B"), entity("C")}

	cfg := baseConfig()
	cfg.Limit = 2

	planner := newTestPlanner(wm, entities, nil)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, nil)
	require.NoError(t, err)

	assert.Len(t, plan.Candidates, 2)
}

func TestDCSModeTierFirstOrdering(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{
		"CORE1": succeededAt(testNow.Add(-30 * time.Hour)),
		"CORE2": succeededAt(testNow.Add(-60 * time.Hour)),
		"EXT":   succeededAt(testNow.Add(-200 * time.Hour)),
		"TAIL":  succeededAt(testNow.Add(-400 * time.Hour)),
	}}
	uni := &fakeUniverse{entries: map[string]*universe.Entry{
		"CORE1": {Symbol: "CORE1", Tier: universe.TierCore, DCS: 0.9},
		"CORE2": {Symbol: "CORE2", Tier: universe.TierCore, DCS: 0.85},
		"EXT":   {Symbol: "EXT", Tier: universe.TierExtended, DCS: 0.7},
		"TAIL":  {Symbol: "TAIL", Tier: universe.TierLongTail, DCS: 0.5},
	}}
	entities := []storage.Entity{entity("TAIL"), entity("EXT"), entity("CORE1"), entity("CORE2")}

	cfg := baseConfig()
	cfg.DCSPriority = true
	cfg.MinDCS = 0.4

	planner := newTestPlanner(wm, entities, uni)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, nil)
	require.NoError(t, err)

	// Tier takes strict precedence even though EXT and TAIL are staler.
	assert.Equal(t, []string{"CORE2", "CORE1", "EXT", "TAIL"}, symbols(plan))
	for _, c := range plan.Candidates {
		assert.Contains(t, c.Reasons, ReasonDCSPriority)
	}
}

func TestDCSModeMinDCSFilter(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{}}
	uni := &fakeUniverse{entries: map[string]*universe.Entry{
		"RICH": {Symbol: "RICH", Tier: universe.TierCore, DCS: 0.9},
		"POOR": {Symbol: "POOR", Tier: universe.TierLongTail, DCS: 0.2},
	}}

	cfg := baseConfig()
	cfg.DCSPriority = true
	cfg.MinDCS = 0.6

	planner := newTestPlanner(wm, []storage.Entity{entity("RICH"), entity("POOR")}, uni)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"RICH"}, symbols(plan))
	assert.Equal(t, 1, plan.Excluded)
}

func TestDCSModePriorityScore(t *testing.T) {
	wm := &fakeWatermarks{records: map[string]*watermark.Record{
		"AAPL": succeededAt(testNow.Add(-84 * time.Hour)), // half of max staleness
	}}
	uni := &fakeUniverse{entries: map[string]*universe.Entry{
		"AAPL": {Symbol: "AAPL", Tier: universe.TierCore, DCS: 0.9},
	}}

	cfg := baseConfig()
	cfg.DCSPriority = true

	planner := newTestPlanner(wm, []storage.Entity{entity("AAPL")}, uni)
	plan, err := planner.BuildPlan(context.Background(), "fundamentals", cfg, nil, nil)
	require.NoError(t, err)

	require.Len(t, plan.Candidates, 1)
	// 0.4*0.9 + 0.4*0.5 + 0.2*1.0
	assert.InDelta(t, 0.76, plan.Candidates[0].PriorityScore, 1e-9)
}
