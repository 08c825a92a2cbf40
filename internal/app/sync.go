package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"fundsync/internal/alerting"
	"fundsync/internal/service"
	"fundsync/internal/storage"
)

// Sync builds a plan and executes it. With Loop set it re-plans on each
// aligned interval until interrupted.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot sync")
	}
	if closeStore != nil {
		defer closeStore()
	}

	unlock, acquired, err := store.TryAdvisoryLock(ctx, a.Config.Scheduler.AdvisoryLockKey)
	if err != nil {
		return err
	}
	if !acquired {
		return errors.New("another sync run holds the advisory lock")
	}
	defer unlock()

	limiter, err := a.newLimiter()
	if err != nil {
		return err
	}

	planner, watermarks := a.newPlanner(store)
	svc := service.New(a.newFetcher(), store, watermarks, limiter, service.Options{
		Workers:            a.Config.Scheduler.Workers,
		SkipUnchangedWrite: a.Config.Scheduler.SkipUnchangedWrite,
	}, a.Logger)
	notifier := a.newNotifier()

	planCfg := a.planConfig()
	if opts.Limit > 0 {
		planCfg.Limit = opts.Limit
	}

	tick := func(ctx context.Context, _ time.Time) error {
		plan, err := planner.BuildPlan(ctx, sourceName, planCfg, a.eligibility(), a.prescreen())
		if err != nil {
			return err
		}
		if len(plan.Candidates) == 0 {
			a.Logger.Info().Int("evaluated", plan.Evaluated).Msg("nothing due; plan empty")
			return nil
		}

		run, execErr := svc.Execute(ctx, plan)

		if stored, insErr := store.InsertSyncRun(ctx, run); insErr != nil {
			a.Logger.Error().Err(insErr).Msg("persist run summary failed")
		} else {
			run = stored
		}

		a.maybeAlert(ctx, notifier, run)
		return execErr
	}

	if opts.Loop {
		loop := service.NewLoop(service.LoopOptions{
			Interval:     a.Config.Scheduler.LoopInterval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			StartupDelay: a.Config.Scheduler.StartupDelay,
		}, a.Logger)

		a.Logger.Info().Dur("interval", a.Config.Scheduler.LoopInterval).Msg("starting sync loop")
		err = loop.Run(ctx, tick)
		if errors.Is(err, context.Canceled) {
			a.Logger.Info().Msg("sync loop stopped")
			return nil
		}
		return err
	}

	return tick(ctx, time.Now().UTC())
}

func (a *App) maybeAlert(ctx context.Context, notifier alerting.Notifier, run storage.SyncRun) {
	if notifier == nil {
		return
	}
	if run.Failed < a.Config.Alerting.MinFailures {
		return
	}

	note := alerting.Notification{
		Source:     run.Source,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Planned:    run.Planned,
		Succeeded:  run.Succeeded,
		Failed:     run.Failed,
		Skipped:    run.Skipped,
		Excluded:   run.Excluded,
	}
	if err := notifier.Notify(ctx, note); err != nil {
		a.Logger.Error().Err(err).Msg("run summary alert failed")
	}
}
