package watermark

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo mirrors the SQL GREATEST-merge semantics in memory.
type memRepo struct {
	records map[string]*Record
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*Record)}
}

func key(source, symbol string) string { return source + "/" + symbol }

func (m *memRepo) GetWatermark(_ context.Context, source, symbol string) (*Record, error) {
	if r, ok := m.records[key(source, symbol)]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (m *memRepo) UpsertWatermarkSuccess(_ context.Context, source, symbol string, newValue *time.Time, now time.Time) error {
	r, ok := m.records[key(source, symbol)]
	if !ok {
		r = &Record{Source: source, Symbol: symbol}
		m.records[key(source, symbol)] = r
	}
	if newValue != nil && (r.LastValue == nil || newValue.After(*r.LastValue)) {
		v := *newValue
		r.LastValue = &v
	}
	ts := now
	r.LastSuccessAt = &ts
	r.ConsecutiveFailures = 0
	r.UpdatedAt = now
	return nil
}

func (m *memRepo) UpsertWatermarkFailure(_ context.Context, source, symbol string, now time.Time) error {
	r, ok := m.records[key(source, symbol)]
	if !ok {
		r = &Record{Source: source, Symbol: symbol}
		m.records[key(source, symbol)] = r
	}
	r.ConsecutiveFailures++
	r.UpdatedAt = now
	return nil
}

func date(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func newTestStore(now time.Time) (*Store, *memRepo) {
	repo := newMemRepo()
	store := NewStore(repo, zerolog.Nop()).WithNow(func() time.Time { return now })
	return store, repo
}

func TestNeverSeenNeedsProcessing(t *testing.T) {
	store, _ := newTestStore(date(2024, 11, 20, 12))
	due, err := store.NeedsProcessing(context.Background(), "fundamentals", "AAPL", 0, 3)
	require.NoError(t, err)
	assert.True(t, due, "unknown pairs are always due")
}

func TestLastValueMonotone(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(date(2024, 11, 20, 0))

	jun := date(2024, 6, 30, 0)
	mar := date(2024, 3, 31, 0)

	require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", &jun, true))
	require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", &mar, true))

	r := repo.records[key("fundamentals", "AAPL")]
	assert.Equal(t, jun, *r.LastValue, "an older period must not move the watermark back")
}

func TestFailureCounterSemantics(t *testing.T) {
	ctx := context.Background()
	store, repo := newTestStore(date(2024, 11, 20, 0))

	for i := 0; i < 4; i++ {
		require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", nil, false))
	}
	assert.Equal(t, 4, repo.records[key("fundamentals", "AAPL")].ConsecutiveFailures)

	require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", nil, true))
	assert.Equal(t, 0, repo.records[key("fundamentals", "AAPL")].ConsecutiveFailures,
		"one success resets the counter regardless of depth")
}

func TestFailureCeilingExcludes(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(date(2024, 11, 20, 0))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", nil, false))
	}

	due, err := store.NeedsProcessing(ctx, "fundamentals", "AAPL", 0, 3)
	require.NoError(t, err)
	assert.False(t, due, "at the ceiling the pair is excluded even when stale")
}

func TestStalenessWindow(t *testing.T) {
	ctx := context.Background()
	now := date(2024, 11, 20, 0)
	store, _ := newTestStore(now)

	require.NoError(t, store.Update(ctx, "fundamentals", "AAPL", nil, true))

	due, err := store.NeedsProcessing(ctx, "fundamentals", "AAPL", 24*time.Hour, 3)
	require.NoError(t, err)
	assert.False(t, due, "fresh success within the window")

	due, err = store.NeedsProcessing(ctx, "fundamentals", "AAPL", 0, 3)
	require.NoError(t, err)
	assert.True(t, due, "zero window makes any success stale")
}

func TestLatestReportableQuarterEnd(t *testing.T) {
	// 2024-11-20 with a 45 day lag: Sep 30 filed by Nov 14, so Sep 30 is due.
	got := LatestReportableQuarterEnd(date(2024, 11, 20, 0), 45)
	assert.Equal(t, date(2024, 9, 30, 0), got)

	// Ten days after quarter end the lag has not elapsed; previous quarter.
	got = LatestReportableQuarterEnd(date(2024, 10, 10, 0), 45)
	assert.Equal(t, date(2024, 6, 30, 0), got)

	// Year boundary.
	got = LatestReportableQuarterEnd(date(2024, 1, 15, 0), 45)
	assert.Equal(t, date(2023, 9, 30, 0), got)
}

func TestNeedsQuarterlyRefresh(t *testing.T) {
	ctx := context.Background()
	now := date(2024, 11, 20, 0)

	t.Run("behind expected period", func(t *testing.T) {
		store, repo := newTestStore(now)
		jun := date(2024, 6, 30, 0)
		old := now.AddDate(0, 0, -30)
		repo.records[key("fundamentals", "AAPL")] = &Record{
			Source: "fundamentals", Symbol: "AAPL",
			LastValue: &jun, LastSuccessAt: &old,
		}

		due, err := store.NeedsQuarterlyRefresh(ctx, "fundamentals", "AAPL", 45, 7)
		require.NoError(t, err)
		assert.True(t, due)
	})

	t.Run("cooling off suppresses", func(t *testing.T) {
		store, repo := newTestStore(now)
		jun := date(2024, 6, 30, 0)
		recent := now.AddDate(0, 0, -2)
		repo.records[key("fundamentals", "AAPL")] = &Record{
			Source: "fundamentals", Symbol: "AAPL",
			LastValue: &jun, LastSuccessAt: &recent,
		}

		due, err := store.NeedsQuarterlyRefresh(ctx, "fundamentals", "AAPL", 45, 7)
		require.NoError(t, err)
		assert.False(t, due, "a success within the cooling-off window defers the retry")
	})

	t.Run("current period ingested", func(t *testing.T) {
		store, repo := newTestStore(now)
		sep := date(2024, 9, 30, 0)
		old := now.AddDate(0, 0, -30)
		repo.records[key("fundamentals", "AAPL")] = &Record{
			Source: "fundamentals", Symbol: "AAPL",
			LastValue: &sep, LastSuccessAt: &old,
		}

		due, err := store.NeedsQuarterlyRefresh(ctx, "fundamentals", "AAPL", 45, 7)
		require.NoError(t, err)
		assert.False(t, due)
	})
}
