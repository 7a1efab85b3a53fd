// Command ocdjobs runs the pipeline batch jobs without the HTTP server.
// Useful for deployments where the API and the cron work are separated, and
// for one-shot runs with -job.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/opuscorpus/ocd/internal/config"
	"github.com/opuscorpus/ocd/internal/scheduler"
	"github.com/opuscorpus/ocd/internal/service/outcome"
	"github.com/opuscorpus/ocd/internal/service/reward"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/telemetry"
	"github.com/opuscorpus/ocd/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	jobName := flag.String("job", "", "run one job by name and exit (default: run all jobs on their intervals)")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("OCD_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *jobName); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, jobName string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ocdjobs starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-jobs", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	rewardSvc := reward.New(db, reward.DefaultConfig(), outcome.ComputeMetrics, logger, nil)
	outcomeSvc := outcome.New(db, rewardSvc, logger, nil)

	sched := scheduler.New(logger)
	sched.Register("track-outcomes", cfg.OutcomeTrackInterval, func(ctx context.Context) error {
		_, err := outcomeSvc.TrackPendingOutcomes(ctx, cfg.OutcomeBatchLimit)
		return err
	})
	sched.Register("calculate-rewards", cfg.RewardSweepInterval, func(ctx context.Context) error {
		_, err := rewardSvc.CalculatePendingRewards(ctx)
		return err
	})

	if jobName != "" {
		return sched.RunJob(ctx, jobName)
	}

	slog.Info("running jobs", "jobs", sched.JobNames())
	return sched.Run(ctx)
}
