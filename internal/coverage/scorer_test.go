package coverage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsSumToOne(t *testing.T) {
	sum := WeightStatementCompleteness +
		WeightFilingFreshness +
		WeightEstimateFreshness +
		WeightCashFlowConsistency +
		WeightPriceFreshness
	assert.Equal(t, 1.0, sum)
}

func TestDCSReferenceScenario(t *testing.T) {
	m := Metrics{
		StatementCompleteness: 1.0,
		FilingFreshness:       0.5,
		EstimateFreshness:     0.0,
		CashFlowConsistency:   1.0,
		PriceFreshness:        1.0,
	}
	assert.InDelta(t, 0.75, DCS(m), 1e-9)
}

func TestDCSBounds(t *testing.T) {
	assert.Equal(t, 0.0, DCS(Metrics{}))
	full := Metrics{1, 1, 1, 1, 1}
	assert.InDelta(t, 1.0, DCS(full), 1e-9)

	// Out-of-range components clamp instead of escaping [0,1].
	hot := Metrics{5, 5, 5, 5, 5}
	assert.Equal(t, 1.0, DCS(hot))
	cold := Metrics{-1, -1, -1, -1, -1}
	assert.Equal(t, 0.0, DCS(cold))
}

func TestCompleteness(t *testing.T) {
	assert.Equal(t, 1.0, Completeness(8, 8))
	assert.Equal(t, 0.5, Completeness(4, 8))
	assert.Equal(t, 1.0, Completeness(12, 8))
	assert.Equal(t, 0.0, Completeness(3, 0))
}

func TestRecencySteps(t *testing.T) {
	cases := []struct {
		days float64
		want float64
	}{
		{0, 1.0}, {3, 1.0}, {5, 0.8}, {7, 0.8},
		{20, 0.5}, {30, 0.5}, {60, 0.2}, {90, 0.2}, {91, 0.0},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, Recency(tc.days), "days=%v", tc.days)
	}
}

type fakeHistory struct {
	statements int
	cashFlows  int
	filing     *time.Time
	estimate   *time.Time
	price      *time.Time
}

func (f *fakeHistory) CountStatementPeriods(context.Context, string, int) (int, error) {
	return f.statements, nil
}

func (f *fakeHistory) CountCashFlowPeriods(context.Context, string, int) (int, error) {
	return f.cashFlows, nil
}

func (f *fakeHistory) LatestFilingDate(context.Context, string) (*time.Time, error) {
	return f.filing, nil
}

func (f *fakeHistory) LatestEstimateDate(context.Context, string) (*time.Time, error) {
	return f.estimate, nil
}

func (f *fakeHistory) LatestPriceDate(context.Context, string) (*time.Time, error) {
	return f.price, nil
}

func TestScorerCombinesQueries(t *testing.T) {
	now := time.Date(2024, 11, 20, 0, 0, 0, 0, time.UTC)
	daysAgo := func(d int) *time.Time {
		ts := now.AddDate(0, 0, -d)
		return &ts
	}

	history := &fakeHistory{
		statements: 8,
		cashFlows:  4,
		filing:     daysAgo(5),
		estimate:   nil,
		price:      daysAgo(1),
	}

	scorer := NewScorer(history, 8, zerolog.Nop()).WithNow(func() time.Time { return now })
	m, err := scorer.Score(context.Background(), "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.StatementCompleteness)
	assert.Equal(t, 0.5, m.CashFlowConsistency)
	assert.Equal(t, 0.8, m.FilingFreshness)
	assert.Equal(t, 0.0, m.EstimateFreshness, "missing observation scores zero")
	assert.Equal(t, 1.0, m.PriceFreshness)
}
