package app

import (
	"context"
	"errors"

	"fundsync/internal/storage"
	"fundsync/internal/universe"
)

// Classify runs a classification pass over the entity universe and records a
// coverage snapshot per entity.
func (a *App) Classify(ctx context.Context, opts ClassifyOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot classify")
	}
	if closeStore != nil {
		defer closeStore()
	}

	symbols := opts.Symbols
	if len(symbols) == 0 {
		entities, err := store.ListEntities(ctx)
		if err != nil {
			return err
		}
		eligible := a.eligibility()
		for _, e := range entities {
			if eligible(e) {
				symbols = append(symbols, e.Symbol)
			}
		}
	}
	if len(symbols) == 0 {
		a.Logger.Info().Msg("no eligible entities to classify")
		return nil
	}

	refresher := universe.NewRefresher(a.newScorer(store), store, store, a.thresholds(), a.Logger)

	counts := make(map[universe.Tier]int, 3)
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := refresher.RefreshSymbol(ctx, symbol)
		if err != nil {
			return err
		}
		counts[entry.Tier]++

		snap := storage.CoverageSnapshot{
			Symbol:     entry.Symbol,
			DCS:        entry.DCS,
			ObservedAt: entry.ClassifiedAt,
		}
		if err := store.InsertCoverageSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	a.Logger.Info().
		Int("classified", len(symbols)).
		Int("core", counts[universe.TierCore]).
		Int("extended", counts[universe.TierExtended]).
		Int("long_tail", counts[universe.TierLongTail]).
		Msg("classification pass complete")
	return nil
}
