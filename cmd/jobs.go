package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grassroots-hq/decision-engine/internal/config"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Run the periodic maintenance jobs until interrupted",
	Long: `Runs the batch loops that keep derived state fresh: grade
recomputation across every scope partition, budget status snapshots,
and expired cache sweeps. Intervals come from the jobs config section.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		gradeEvery, snapshotEvery, sweepEvery := jobIntervals(cfg.Jobs)

		zap.L().Info("starting jobs",
			zap.Duration("grade_recompute", gradeEvery),
			zap.Duration("budget_snapshot", snapshotEvery),
			zap.Duration("cache_sweep", sweepEvery))

		gradeTick := time.NewTicker(gradeEvery)
		snapshotTick := time.NewTicker(snapshotEvery)
		sweepTick := time.NewTicker(sweepEvery)
		defer gradeTick.Stop()
		defer snapshotTick.Stop()
		defer sweepTick.Stop()

		// Each job runs once at startup so a fresh deployment has
		// derived state before the first tick.
		runGradeJob(ctx, env)
		runSnapshotJob(ctx, env)
		runSweepJob(ctx, env)

		for {
			select {
			case <-ctx.Done():
				zap.L().Info("jobs stopping")
				return nil
			case <-gradeTick.C:
				runGradeJob(ctx, env)
			case <-snapshotTick.C:
				runSnapshotJob(ctx, env)
			case <-sweepTick.C:
				runSweepJob(ctx, env)
			}
		}
	},
}

// jobIntervals converts the jobs config to ticker periods. Non-positive
// values fall back to the defaults; time.NewTicker panics on zero.
func jobIntervals(jc config.JobsConfig) (grade, snapshot, sweep time.Duration) {
	grade = time.Duration(jc.GradeRecomputeHours) * time.Hour
	if grade <= 0 {
		grade = 24 * time.Hour
	}
	snapshot = time.Duration(jc.BudgetSnapshotHours) * time.Hour
	if snapshot <= 0 {
		snapshot = 6 * time.Hour
	}
	sweep = time.Duration(jc.CacheSweepMinutes) * time.Minute
	if sweep <= 0 {
		sweep = time.Hour
	}
	return grade, snapshot, sweep
}

func runGradeJob(ctx context.Context, env *engineEnv) {
	if err := env.Grading.RecomputeAll(ctx); err != nil {
		zap.L().Error("grade recompute failed", zap.Error(err))
	}
}

func runSnapshotJob(ctx context.Context, env *engineEnv) {
	period := env.Ledger.CurrentPeriod(time.Now())
	n, err := env.Ledger.SnapshotPeriod(ctx, period)
	if err != nil {
		zap.L().Error("budget snapshot failed", zap.Error(err))
		return
	}
	zap.L().Debug("budget snapshot complete", zap.String("period", period), zap.Int("categories", n))
}

func runSweepJob(ctx context.Context, env *engineEnv) {
	n, err := env.Cache.Sweep(ctx)
	if err != nil {
		zap.L().Error("cache sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("cache swept", zap.Int("removed", n))
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
