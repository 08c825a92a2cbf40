package app

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fundsync/internal/alerting"
	"fundsync/internal/config"
	"fundsync/internal/coverage"
	"fundsync/internal/fetcher"
	"fundsync/internal/ratelimit"
	"fundsync/internal/scheduler"
	"fundsync/internal/storage"
	"fundsync/internal/universe"
	"fundsync/internal/watermark"
)

// sourceName identifies the fundamentals feed in watermarks and run records.
const sourceName = "fundamentals"

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() fetcher.FundamentalsFetcher {
	return fetcher.NewClient(fetcher.ClientOptions{
		BaseURL:   a.Config.API.BaseURL,
		APIKey:    a.Config.API.APIKey,
		Timeout:   a.Config.API.RequestTimeout,
		UserAgent: a.Config.API.UserAgent,
	}, a.Logger)
}

func (a *App) newLimiter() (*ratelimit.Limiter, error) {
	opts := []ratelimit.Option{}
	if a.Config.API.AdaptiveBackoff {
		opts = append(opts, ratelimit.WithBackoff(ratelimit.NewBackoffPolicy(1.5, 4.0)))
	}
	return ratelimit.New(a.Config.API.CallsPerMinute, opts...)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newPlanner(store *storage.Store) (*scheduler.Planner, *watermark.Store) {
	watermarks := watermark.NewStore(store, a.Logger)
	return scheduler.NewPlanner(watermarks, store, store, a.Logger), watermarks
}

func (a *App) newScorer(store *storage.Store) *coverage.Scorer {
	return coverage.NewScorer(store, a.Config.Coverage.LookbackQuarters, a.Logger)
}

func (a *App) planConfig() scheduler.Config {
	cfg := a.Config.Scheduler
	return scheduler.Config{
		StalenessWindow:     cfg.StalenessWindow,
		MaxFailures:         cfg.MaxFailures,
		Limit:               cfg.Limit,
		QuarterlyGapEnabled: cfg.QuarterlyGap,
		ReportingLagDays:    cfg.ReportingLagDays,
		CoolingOffDays:      cfg.CoolingOffDays,
		PreScreeningEnabled: cfg.PreScreening,
		DCSPriority:         cfg.DCSPriority,
		MinDCS:              cfg.MinDCS,
		MaxStalenessHours:   cfg.MaxStalenessHours,
	}
}

func (a *App) thresholds() universe.Thresholds {
	cfg := a.Config.Universe
	return universe.Thresholds{
		CoreLiquidityUSD:   decimal.NewFromFloat(cfg.CoreLiquidityUSD),
		CoreMinDCS:         cfg.CoreMinDCS,
		CoreMinPeriods:     cfg.CoreMinPeriods,
		ExtendedMinDCS:     cfg.ExtendedMinDCS,
		ExtendedMinPeriods: cfg.ExtendedMinPeriods,
		DemotionMargin:     cfg.DemotionMargin,
	}
}

// eligibility filters the raw entity universe before watermark evaluation:
// inactive and delisted instruments are out, as are disallowed asset types.
func (a *App) eligibility() scheduler.Predicate {
	cfg := a.Config.Scheduler

	var allowed map[string]struct{}
	if len(cfg.AllowedAssetTypes) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedAssetTypes))
		for _, t := range cfg.AllowedAssetTypes {
			allowed[strings.ToLower(t)] = struct{}{}
		}
	}

	return func(e storage.Entity) bool {
		if !e.Active {
			return false
		}
		if e.Delisted && !cfg.IncludeDelisted {
			return false
		}
		if allowed != nil {
			if _, ok := allowed[strings.ToLower(e.AssetType)]; !ok {
				return false
			}
		}
		return true
	}
}

// prescreen drops due candidates whose symbols carry excluded suffixes,
// typically warrants, units, and rights with no statement history.
func (a *App) prescreen() scheduler.Predicate {
	suffixes := a.Config.Scheduler.ExcludedSuffixes
	if len(suffixes) == 0 {
		return nil
	}

	return func(e storage.Entity) bool {
		upper := strings.ToUpper(e.Symbol)
		for _, suffix := range suffixes {
			if strings.HasSuffix(upper, strings.ToUpper(suffix)) {
				return false
			}
		}
		return true
	}
}

// SyncOptions configure plan execution.
type SyncOptions struct {
	Loop  bool
	Limit int
}

// PlanOptions configure the dry-run plan display.
type PlanOptions struct {
	Limit int
}

// ClassifyOptions configure the universe classification pass.
type ClassifyOptions struct {
	Symbols []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	What  string
	Limit int
}

// ExportOptions hold parameters for exporting coverage history.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}
