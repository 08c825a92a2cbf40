package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundsync/internal/fetcher"
	"fundsync/internal/ratelimit"
	"fundsync/internal/scheduler"
	"fundsync/internal/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	payloads map[string]fetcher.Payload
	errs     map[string]error
	calls    int
}

func (f *fakeFetcher) FetchFundamentals(_ context.Context, symbol string) (fetcher.Payload, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if err, ok := f.errs[symbol]; ok {
		return fetcher.Payload{}, err
	}
	return f.payloads[symbol], nil
}

type fakeStore struct {
	mu           sync.Mutex
	hashes       map[string]string
	fingerprints map[string]string
	upserts      []storage.FundamentalRow
	failAll      bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		hashes:       make(map[string]string),
		fingerprints: make(map[string]string),
	}
}

var errStoreDown = errors.New("store down")

func rowKey(symbol string, periodEnd time.Time) string {
	return symbol + "@" + periodEnd.Format("2006-01-02")
}

func (f *fakeStore) GetFundamentalHash(_ context.Context, symbol string, periodEnd time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errStoreDown
	}
	return f.hashes[rowKey(symbol, periodEnd)], nil
}

func (f *fakeStore) UpsertFundamental(_ context.Context, row storage.FundamentalRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	f.hashes[rowKey(row.Symbol, row.PeriodEnd)] = row.ContentHash
	f.upserts = append(f.upserts, row)
	return nil
}

func (f *fakeStore) GetPayloadFingerprint(_ context.Context, source, symbol string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errStoreDown
	}
	return f.fingerprints[source+"/"+symbol], nil
}

func (f *fakeStore) UpsertPayloadFingerprint(_ context.Context, source, symbol, hash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errStoreDown
	}
	f.fingerprints[source+"/"+symbol] = hash
	return nil
}

type watermarkCall struct {
	symbol  string
	value   *time.Time
	success bool
}

type fakeWatermarks struct {
	mu    sync.Mutex
	calls []watermarkCall
}

func (f *fakeWatermarks) Update(_ context.Context, _, symbol string, value *time.Time, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, watermarkCall{symbol: symbol, value: value, success: success})
	return nil
}

func (f *fakeWatermarks) callsFor(symbol string) []watermarkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]watermarkCall, 0)
	for _, c := range f.calls {
		if c.symbol == symbol {
			out = append(out, c)
		}
	}
	return out
}

type fakeLimiter struct {
	mu       sync.Mutex
	acquires int
	outcomes []ratelimit.Outcome
}

func (f *fakeLimiter) Acquire(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	return nil
}

func (f *fakeLimiter) ReportOutcome(o ratelimit.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, o)
}

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func testPayload(symbol string) fetcher.Payload {
	periodEnd := time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC)
	raw, _ := json.Marshal(map[string]any{"symbol": symbol, "revenue": "100"})
	return fetcher.Payload{
		Symbol: symbol,
		Statements: []fetcher.Statement{
			{PeriodEnd: periodEnd, Revenue: dec(100), NetIncome: dec(10)},
		},
		Raw: raw,
	}
}

func planOf(symbolList ...string) scheduler.Plan {
	plan := scheduler.Plan{Source: "fundamentals"}
	for _, s := range symbolList {
		plan.Candidates = append(plan.Candidates, scheduler.Candidate{Symbol: s})
	}
	return plan
}

func newTestService(f *fakeFetcher, store *fakeStore, wm *fakeWatermarks, limiter *fakeLimiter, opts Options) *Service {
	return New(f, store, wm, limiter, opts, zerolog.Nop())
}

func TestExecuteLandsAndWatermarks(t *testing.T) {
	f := &fakeFetcher{payloads: map[string]fetcher.Payload{"AAPL": testPayload("AAPL")}}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1, SkipUnchangedWrite: true})
	run, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 0, run.Failed)
	assert.Len(t, store.upserts, 1)

	calls := wm.callsFor("AAPL")
	require.Len(t, calls, 1, "every attempted entity yields exactly one watermark update")
	assert.True(t, calls[0].success)
	require.NotNil(t, calls[0].value)
	assert.Equal(t, time.Date(2024, 9, 30, 0, 0, 0, 0, time.UTC), *calls[0].value)

	assert.Equal(t, 1, limiter.acquires, "limiter acquired before every upstream call")
}

func TestExecuteSkipsUnchangedPayload(t *testing.T) {
	f := &fakeFetcher{payloads: map[string]fetcher.Payload{"AAPL": testPayload("AAPL")}}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1, SkipUnchangedWrite: true})

	run, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)
	require.Equal(t, 1, run.Succeeded)

	// Second run sees an identical payload: no row writes, watermark still
	// refreshed, counted as skipped.
	run, err = svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 0, run.Succeeded)
	assert.Len(t, store.upserts, 1, "unchanged payload must not rewrite rows")

	calls := wm.callsFor("AAPL")
	require.Len(t, calls, 2)
	assert.True(t, calls[1].success)
	assert.Nil(t, calls[1].value)
}

func TestExecuteUnchangedRowSkippedWithinChangedPayload(t *testing.T) {
	payload := testPayload("AAPL")
	f := &fakeFetcher{payloads: map[string]fetcher.Payload{"AAPL": payload}}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1})

	_, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)
	require.Len(t, store.upserts, 1)

	// Same statement content again with skip-unchanged-payload disabled:
	// the per-row hash comparison still prevents a rewrite.
	_, err = svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)
	assert.Len(t, store.upserts, 1)
}

func TestExecuteFetchFailureRecordsWatermark(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{"AAPL": errors.New("upstream 500")}}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1})
	run, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err, "entity-level failures must not abort the run")

	assert.Equal(t, 1, run.Failed)
	calls := wm.callsFor("AAPL")
	require.Len(t, calls, 1)
	assert.False(t, calls[0].success)
	assert.Contains(t, limiter.outcomes, ratelimit.OutcomeError)
}

func TestExecuteRateLimitReported(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{
		"AAPL": fmt.Errorf("api: %w", fetcher.ErrRateLimited),
	}}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1})
	run, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, 1, run.Failed)
	assert.Contains(t, limiter.outcomes, ratelimit.OutcomeRateLimited)
}

func TestExecutePersistenceErrorFatal(t *testing.T) {
	f := &fakeFetcher{payloads: map[string]fetcher.Payload{"AAPL": testPayload("AAPL")}}
	store := newFakeStore()
	store.failAll = true
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1})
	_, err := svc.Execute(context.Background(), planOf("AAPL"))
	require.ErrorIs(t, err, errStoreDown, "store failures must abort the run")
}

func TestExecuteIsolatesBadEntity(t *testing.T) {
	f := &fakeFetcher{
		payloads: map[string]fetcher.Payload{
			"GOOD": testPayload("GOOD"),
			"BAD":  {Symbol: "BAD", Raw: json.RawMessage(`{notjson`)},
		},
	}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 1})
	run, err := svc.Execute(context.Background(), planOf("BAD", "GOOD"))
	require.NoError(t, err, "one malformed entity must not abort the batch")

	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	require.Len(t, wm.callsFor("BAD"), 1)
	assert.False(t, wm.callsFor("BAD")[0].success)
}

func TestExecuteWorkerPoolFunnelsThroughLimiter(t *testing.T) {
	payloads := make(map[string]fetcher.Payload)
	var list []string
	for i := 0; i < 12; i++ {
		symbol := fmt.Sprintf("SYM%02d", i)
		payloads[symbol] = testPayload(symbol)
		list = append(list, symbol)
	}

	f := &fakeFetcher{payloads: payloads}
	store := newFakeStore()
	wm := &fakeWatermarks{}
	limiter := &fakeLimiter{}

	svc := newTestService(f, store, wm, limiter, Options{Workers: 4})
	run, err := svc.Execute(context.Background(), planOf(list...))
	require.NoError(t, err)

	assert.Equal(t, 12, run.Succeeded)
	assert.Equal(t, 12, limiter.acquires, "every worker must pass the shared limiter")
}
