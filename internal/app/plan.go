package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Plan builds a plan and prints it without executing. Dry-run counterpart to
// Sync.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot plan")
	}
	if closeStore != nil {
		defer closeStore()
	}

	planner, _ := a.newPlanner(store)

	planCfg := a.planConfig()
	if opts.Limit > 0 {
		planCfg.Limit = opts.Limit
	}

	plan, err := planner.BuildPlan(ctx, sourceName, planCfg, a.eligibility(), a.prescreen())
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "source=%s evaluated=%d excluded=%d planned=%d\n\n",
		plan.Source, plan.Evaluated, plan.Excluded, len(plan.Candidates))
	if len(plan.Candidates) == 0 {
		fmt.Fprintln(os.Stdout, "nothing due")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "#\tSymbol\tTier\tDCS\tPriority\tLast Success (UTC)\tReasons")

	for i, c := range plan.Candidates {
		lastSuccess := "never"
		if c.LastSuccessAt != nil {
			lastSuccess = c.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		tier := string(c.Tier)
		if tier == "" {
			tier = "-"
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%.2f\t%.2f\t%s\t%s\n",
			i+1,
			c.Symbol,
			tier,
			c.DCS,
			c.PriorityScore,
			lastSuccess,
			strings.Join(c.Reasons, ","),
		)
	}

	writer.Flush()
	return nil
}
