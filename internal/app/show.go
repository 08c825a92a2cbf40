package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"fundsync/internal/storage"
)

// Show prints stored scheduling state: watermarks, universe entries, or run
// summaries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show")
	}
	if closeStore != nil {
		defer closeStore()
	}

	switch opts.What {
	case "watermarks":
		return a.showWatermarks(ctx, store, opts.Limit)
	case "universe":
		return a.showUniverse(ctx, store)
	case "runs":
		return a.showRuns(ctx, store, opts.Limit)
	default:
		return fmt.Errorf("unknown target %q (want watermarks, universe, or runs)", opts.What)
	}
}

func (a *App) showWatermarks(ctx context.Context, store *storage.Store, limit int) error {
	records, err := store.ListWatermarks(ctx, sourceName, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no watermarks found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tLast Value\tLast Success (UTC)\tFailures\tUpdated (UTC)")

	for _, r := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\n",
			r.Symbol,
			formatOptionalDate(r.LastValue),
			formatOptionalTime(r.LastSuccessAt),
			r.ConsecutiveFailures,
			r.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showUniverse(ctx context.Context, store *storage.Store) error {
	entries, err := store.ListEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no universe entries found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Symbol\tTier\tDCS\tLiquidity\tADV (USD)\tPeriods\tPending Demotion\tClassified (UTC)")

	for _, e := range entries {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%.2f\t%.2f\t%s\t%d\t%t\t%s\n",
			e.Symbol,
			e.Tier,
			e.DCS,
			e.LiquidityScore,
			e.AvgDailyDollarVolume.StringFixed(0),
			e.PeriodsOfHistory,
			e.DemotionPending,
			e.ClassifiedAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}

func (a *App) showRuns(ctx context.Context, store *storage.Store, limit int) error {
	runs, err := store.ListRecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no runs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSource\tStarted (UTC)\tElapsed\tPlanned\tSucceeded\tFailed\tSkipped\tExcluded")

	for _, r := range runs {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			r.ID,
			r.Source,
			r.StartedAt.UTC().Format(time.RFC3339),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			r.Planned,
			r.Succeeded,
			r.Failed,
			r.Skipped,
			r.Excluded,
		)
	}

	writer.Flush()
	return nil
}

func formatOptionalDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
