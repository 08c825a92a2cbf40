package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"fundsync/internal/coverage"
	"fundsync/internal/universe"
	"fundsync/internal/watermark"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	getWatermarkSQL = `SELECT
        source_name,
        symbol,
        last_value,
        last_success_at,
        consecutive_failures,
        updated_at
    FROM watermarks
    WHERE source_name = $1
      AND symbol = $2;`

	upsertWatermarkSuccessSQL = `INSERT INTO watermarks (
        source_name,
        symbol,
        last_value,
        last_success_at,
        consecutive_failures,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,0,$4
    )
    ON CONFLICT (source_name, symbol) DO UPDATE
    SET
        last_value           = GREATEST(watermarks.last_value, EXCLUDED.last_value),
        last_success_at      = EXCLUDED.last_success_at,
        consecutive_failures = 0,
        updated_at           = EXCLUDED.updated_at;`

	upsertWatermarkFailureSQL = `INSERT INTO watermarks (
        source_name,
        symbol,
        consecutive_failures,
        updated_at
    ) VALUES (
        $1,$2,1,$3
    )
    ON CONFLICT (source_name, symbol) DO UPDATE
    SET
        consecutive_failures = watermarks.consecutive_failures + 1,
        updated_at           = EXCLUDED.updated_at;`

	listWatermarksSQL = `SELECT
        source_name,
        symbol,
        last_value,
        last_success_at,
        consecutive_failures,
        updated_at
    FROM watermarks
    WHERE source_name = $1
    ORDER BY updated_at DESC
    LIMIT $2;`

	listEntitiesSQL = `SELECT
        symbol,
        name,
        asset_type,
        exchange,
        active,
        delisted,
        added_at
    FROM entities
    ORDER BY symbol;`

	countStatementPeriodsSQL = `SELECT COUNT(*)
    FROM fundamentals
    WHERE symbol = $1
      AND period_end >= $2;`

	countCashFlowPeriodsSQL = `SELECT COUNT(*)
    FROM fundamentals
    WHERE symbol = $1
      AND period_end >= $2
      AND operating_cash_flow IS NOT NULL;`

	latestFilingDateSQL = `SELECT MAX(filed_at)
    FROM fundamentals
    WHERE symbol = $1;`

	latestEstimateDateSQL = `SELECT MAX(estimate_date)
    FROM analyst_estimates
    WHERE symbol = $1;`

	latestPriceDateSQL = `SELECT MAX(trade_date)
    FROM prices
    WHERE symbol = $1;`

	avgDailyDollarVolumeSQL = `SELECT COALESCE(AVG(close_price * volume), 0)::text
    FROM prices
    WHERE symbol = $1
      AND trade_date >= $2;`

	periodsOfHistorySQL = `SELECT COUNT(*)
    FROM fundamentals
    WHERE symbol = $1;`

	getUniverseEntrySQL = `SELECT
        symbol,
        tier,
        dcs,
        liquidity_score,
        avg_daily_dollar_volume::text,
        periods_of_history,
        demotion_pending,
        classified_at
    FROM universe_entries
    WHERE symbol = $1;`

	upsertUniverseEntrySQL = `INSERT INTO universe_entries (
        symbol,
        tier,
        dcs,
        liquidity_score,
        avg_daily_dollar_volume,
        periods_of_history,
        demotion_pending,
        classified_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (symbol) DO UPDATE
    SET tier                    = EXCLUDED.tier,
        dcs                     = EXCLUDED.dcs,
        liquidity_score         = EXCLUDED.liquidity_score,
        avg_daily_dollar_volume = EXCLUDED.avg_daily_dollar_volume,
        periods_of_history      = EXCLUDED.periods_of_history,
        demotion_pending        = EXCLUDED.demotion_pending,
        classified_at           = EXCLUDED.classified_at;`

	listUniverseEntriesSQL = `SELECT
        symbol,
        tier,
        dcs,
        liquidity_score,
        avg_daily_dollar_volume::text,
        periods_of_history,
        demotion_pending,
        classified_at
    FROM universe_entries
    ORDER BY symbol;`

	getFundamentalHashSQL = `SELECT content_hash
    FROM fundamentals
    WHERE symbol = $1
      AND period_end = $2;`

	upsertFundamentalSQL = `INSERT INTO fundamentals (
        symbol,
        period_end,
        filed_at,
        revenue,
        net_income,
        eps,
        operating_cash_flow,
        total_assets,
        content_hash,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (symbol, period_end) DO UPDATE
    SET filed_at            = EXCLUDED.filed_at,
        revenue             = EXCLUDED.revenue,
        net_income          = EXCLUDED.net_income,
        eps                 = EXCLUDED.eps,
        operating_cash_flow = EXCLUDED.operating_cash_flow,
        total_assets        = EXCLUDED.total_assets,
        content_hash        = EXCLUDED.content_hash,
        updated_at          = EXCLUDED.updated_at;`

	getPayloadFingerprintSQL = `SELECT raw_hash
    FROM payload_fingerprints
    WHERE source_name = $1
      AND symbol = $2;`

	upsertPayloadFingerprintSQL = `INSERT INTO payload_fingerprints (
        source_name,
        symbol,
        raw_hash,
        updated_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (source_name, symbol) DO UPDATE
    SET raw_hash   = EXCLUDED.raw_hash,
        updated_at = EXCLUDED.updated_at;`

	insertCoverageSnapshotSQL = `INSERT INTO coverage_snapshots (
        symbol,
        dcs,
        observed_at
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (symbol, observed_at) DO UPDATE
    SET dcs = EXCLUDED.dcs;`

	listCoverageHistorySQL = `SELECT
        symbol,
        dcs,
        observed_at
    FROM coverage_snapshots
    WHERE symbol = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	insertSyncRunSQL = `INSERT INTO sync_runs (
        source_name,
        started_at,
        finished_at,
        planned,
        succeeded,
        failed,
        skipped,
        excluded
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id;`

	listRecentRunsSQL = `SELECT
        id,
        source_name,
        started_at,
        finished_at,
        planned,
        succeeded,
        failed,
        skipped,
        excluded
    FROM sync_runs
    ORDER BY started_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// GetWatermark returns the watermark for a pair, or nil when never seen.
func (s *Store) GetWatermark(ctx context.Context, source, symbol string) (*watermark.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		record    watermark.Record
		lastValue sql.NullTime
		lastOK    sql.NullTime
	)
	err = pool.QueryRow(ctx, getWatermarkSQL, source, symbol).Scan(
		&record.Source,
		&record.Symbol,
		&lastValue,
		&lastOK,
		&record.ConsecutiveFailures,
		&record.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}

	if lastValue.Valid {
		v := lastValue.Time
		record.LastValue = &v
	}
	if lastOK.Valid {
		v := lastOK.Time
		record.LastSuccessAt = &v
	}
	return &record, nil
}

// UpsertWatermarkSuccess records a successful attempt. The GREATEST merge
// keeps last_value monotone even under concurrent writers.
func (s *Store) UpsertWatermarkSuccess(ctx context.Context, source, symbol string, newValue *time.Time, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var value interface{}
	if newValue != nil {
		value = *newValue
	}

	if _, execErr := pool.Exec(ctx, upsertWatermarkSuccessSQL, source, symbol, value, now); execErr != nil {
		return fmt.Errorf("upsert watermark success: %w", execErr)
	}
	return nil
}

// UpsertWatermarkFailure increments the consecutive failure counter.
func (s *Store) UpsertWatermarkFailure(ctx context.Context, source, symbol string, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertWatermarkFailureSQL, source, symbol, now); execErr != nil {
		return fmt.Errorf("upsert watermark failure: %w", execErr)
	}
	return nil
}

// ListWatermarks lists the most recently touched watermarks for a source.
func (s *Store) ListWatermarks(ctx context.Context, source string, limit int) ([]watermark.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWatermarksSQL, source, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list watermarks: %w", queryErr)
	}
	defer rows.Close()

	records := make([]watermark.Record, 0, limit)
	for rows.Next() {
		var (
			record    watermark.Record
			lastValue sql.NullTime
			lastOK    sql.NullTime
		)
		if err := rows.Scan(
			&record.Source,
			&record.Symbol,
			&lastValue,
			&lastOK,
			&record.ConsecutiveFailures,
			&record.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if lastValue.Valid {
			v := lastValue.Time
			record.LastValue = &v
		}
		if lastOK.Valid {
			v := lastOK.Time
			record.LastSuccessAt = &v
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListEntities returns the full tracked universe.
func (s *Store) ListEntities(ctx context.Context) ([]Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEntitiesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list entities: %w", queryErr)
	}
	defer rows.Close()

	entities := make([]Entity, 0)
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Symbol, &e.Name, &e.AssetType, &e.Exchange, &e.Active, &e.Delisted, &e.AddedAt); err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entities, nil
}

// CountStatementPeriods counts distinct quarterly statements within the
// lookback window.
func (s *Store) CountStatementPeriods(ctx context.Context, symbol string, lookback int) (int, error) {
	return s.countSince(ctx, countStatementPeriodsSQL, symbol, s.quarterCutoff(lookback))
}

// CountCashFlowPeriods counts statements carrying an operating cash flow
// figure within the lookback window.
func (s *Store) CountCashFlowPeriods(ctx context.Context, symbol string, lookback int) (int, error) {
	return s.countSince(ctx, countCashFlowPeriodsSQL, symbol, s.quarterCutoff(lookback))
}

func (s *Store) quarterCutoff(lookback int) time.Time {
	return s.now().UTC().AddDate(0, -3*lookback, 0)
}

func (s *Store) countSince(ctx context.Context, query, symbol string, cutoff time.Time) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, query, symbol, cutoff).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count periods: %w", scanErr)
	}
	return count, nil
}

// LatestFilingDate returns the most recent statement filing date.
func (s *Store) LatestFilingDate(ctx context.Context, symbol string) (*time.Time, error) {
	return s.latestDate(ctx, latestFilingDateSQL, symbol)
}

// LatestEstimateDate returns the most recent analyst estimate date.
func (s *Store) LatestEstimateDate(ctx context.Context, symbol string) (*time.Time, error) {
	return s.latestDate(ctx, latestEstimateDateSQL, symbol)
}

// LatestPriceDate returns the most recent price observation date.
func (s *Store) LatestPriceDate(ctx context.Context, symbol string) (*time.Time, error) {
	return s.latestDate(ctx, latestPriceDateSQL, symbol)
}

func (s *Store) latestDate(ctx context.Context, query, symbol string) (*time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var ts sql.NullTime
	if scanErr := pool.QueryRow(ctx, query, symbol).Scan(&ts); scanErr != nil {
		return nil, fmt.Errorf("latest date: %w", scanErr)
	}
	if !ts.Valid {
		return nil, nil
	}
	value := ts.Time
	return &value, nil
}

// AvgDailyDollarVolume averages close*volume over the lookback window.
func (s *Store) AvgDailyDollarVolume(ctx context.Context, symbol string, lookbackDays int) (decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, err
	}

	cutoff := s.now().UTC().AddDate(0, 0, -lookbackDays)
	var raw string
	if scanErr := pool.QueryRow(ctx, avgDailyDollarVolumeSQL, symbol, cutoff).Scan(&raw); scanErr != nil {
		return decimal.Decimal{}, fmt.Errorf("avg daily dollar volume: %w", scanErr)
	}

	volume, convErr := decimal.NewFromString(raw)
	if convErr != nil {
		return decimal.Decimal{}, fmt.Errorf("parse dollar volume: %w", convErr)
	}
	return volume, nil
}

// PeriodsOfHistory counts all statements ever landed for a symbol.
func (s *Store) PeriodsOfHistory(ctx context.Context, symbol string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int
	if scanErr := pool.QueryRow(ctx, periodsOfHistorySQL, symbol).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("periods of history: %w", scanErr)
	}
	return count, nil
}

// GetEntry returns the universe entry for a symbol, or nil when unclassified.
func (s *Store) GetEntry(ctx context.Context, symbol string) (*universe.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	entry, scanErr := scanUniverseEntry(pool.QueryRow(ctx, getUniverseEntrySQL, symbol))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("get universe entry: %w", scanErr)
	}
	return &entry, nil
}

// UpsertEntry persists a classification result.
func (s *Store) UpsertEntry(ctx context.Context, entry universe.Entry) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertUniverseEntrySQL,
		entry.Symbol,
		string(entry.Tier),
		entry.DCS,
		entry.LiquidityScore,
		entry.AvgDailyDollarVolume.String(),
		entry.PeriodsOfHistory,
		entry.DemotionPending,
		entry.ClassifiedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert universe entry: %w", execErr)
	}
	return nil
}

// ListEntries returns every universe entry ordered by symbol.
func (s *Store) ListEntries(ctx context.Context) ([]universe.Entry, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUniverseEntriesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list universe entries: %w", queryErr)
	}
	defer rows.Close()

	entries := make([]universe.Entry, 0)
	for rows.Next() {
		entry, scanErr := scanUniverseEntry(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUniverseEntry(row rowScanner) (universe.Entry, error) {
	var (
		entry     universe.Entry
		tier      string
		volumeStr string
	)
	if err := row.Scan(
		&entry.Symbol,
		&tier,
		&entry.DCS,
		&entry.LiquidityScore,
		&volumeStr,
		&entry.PeriodsOfHistory,
		&entry.DemotionPending,
		&entry.ClassifiedAt,
	); err != nil {
		return universe.Entry{}, err
	}

	volume, convErr := decimal.NewFromString(volumeStr)
	if convErr != nil {
		return universe.Entry{}, fmt.Errorf("parse dollar volume: %w", convErr)
	}
	entry.Tier = universe.Tier(tier)
	entry.AvgDailyDollarVolume = volume
	return entry, nil
}

// GetFundamentalHash returns the stored content hash for a statement row, or
// the empty string when the row has never landed.
func (s *Store) GetFundamentalHash(ctx context.Context, symbol string, periodEnd time.Time) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var hash string
	scanErr := pool.QueryRow(ctx, getFundamentalHashSQL, symbol, periodEnd).Scan(&hash)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("get fundamental hash: %w", scanErr)
	}
	return hash, nil
}

// UpsertFundamental lands one statement row.
func (s *Store) UpsertFundamental(ctx context.Context, row FundamentalRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var filedAt interface{}
	if row.FiledAt != nil {
		filedAt = *row.FiledAt
	}

	_, execErr := pool.Exec(ctx, upsertFundamentalSQL,
		row.Symbol,
		row.PeriodEnd,
		filedAt,
		decimalArg(row.Revenue),
		decimalArg(row.NetIncome),
		decimalArg(row.EPS),
		decimalArg(row.OperatingCashFlow),
		decimalArg(row.TotalAssets),
		row.ContentHash,
		row.UpdatedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert fundamental: %w", execErr)
	}
	return nil
}

func decimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// GetPayloadFingerprint returns the raw payload hash from the last landing.
func (s *Store) GetPayloadFingerprint(ctx context.Context, source, symbol string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}

	var hash string
	scanErr := pool.QueryRow(ctx, getPayloadFingerprintSQL, source, symbol).Scan(&hash)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return "", nil
	}
	if scanErr != nil {
		return "", fmt.Errorf("get payload fingerprint: %w", scanErr)
	}
	return hash, nil
}

// UpsertPayloadFingerprint stores the raw payload hash of the latest landing.
func (s *Store) UpsertPayloadFingerprint(ctx context.Context, source, symbol, hash string, now time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, upsertPayloadFingerprintSQL, source, symbol, hash, now); execErr != nil {
		return fmt.Errorf("upsert payload fingerprint: %w", execErr)
	}
	return nil
}

// InsertCoverageSnapshot records a DCS observation for trend export.
func (s *Store) InsertCoverageSnapshot(ctx context.Context, snap CoverageSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertCoverageSnapshotSQL, snap.Symbol, snap.DCS, snap.ObservedAt); execErr != nil {
		return fmt.Errorf("insert coverage snapshot: %w", execErr)
	}
	return nil
}

// ListCoverageHistory lists DCS observations within a window.
func (s *Store) ListCoverageHistory(ctx context.Context, symbol string, from, to time.Time) ([]CoverageSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCoverageHistorySQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list coverage history: %w", queryErr)
	}
	defer rows.Close()

	snaps := make([]CoverageSnapshot, 0)
	for rows.Next() {
		var snap CoverageSnapshot
		if err := rows.Scan(&snap.Symbol, &snap.DCS, &snap.ObservedAt); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snaps, nil
}

// InsertSyncRun persists a run summary and returns it with its id.
func (s *Store) InsertSyncRun(ctx context.Context, run SyncRun) (SyncRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return SyncRun{}, err
	}

	scanErr := pool.QueryRow(ctx, insertSyncRunSQL,
		run.Source,
		run.StartedAt,
		run.FinishedAt,
		run.Planned,
		run.Succeeded,
		run.Failed,
		run.Skipped,
		run.Excluded,
	).Scan(&run.ID)
	if scanErr != nil {
		return SyncRun{}, fmt.Errorf("insert sync run: %w", scanErr)
	}
	return run, nil
}

// ListRecentRuns lists the latest run summaries.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]SyncRun, 0, limit)
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(
			&run.ID,
			&run.Source,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Planned,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
			&run.Excluded,
		); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

var (
	_ watermark.Repository   = (*Store)(nil)
	_ universe.Repository    = (*Store)(nil)
	_ universe.Inputs        = (*Store)(nil)
	_ coverage.HistoryReader = (*Store)(nil)
)
