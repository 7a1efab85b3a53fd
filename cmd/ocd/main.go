package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opuscorpus/ocd/internal/auth"
	"github.com/opuscorpus/ocd/internal/config"
	"github.com/opuscorpus/ocd/internal/registry"
	"github.com/opuscorpus/ocd/internal/scheduler"
	"github.com/opuscorpus/ocd/internal/server"
	"github.com/opuscorpus/ocd/internal/service/export"
	"github.com/opuscorpus/ocd/internal/service/outcome"
	"github.com/opuscorpus/ocd/internal/service/recorder"
	"github.com/opuscorpus/ocd/internal/service/reward"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/telemetry"
	"github.com/opuscorpus/ocd/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
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

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("ocd starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply embedded migrations.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Wire the pipeline services.
	reg := registry.Default()
	rewardSvc := reward.New(db, reward.DefaultConfig(), outcome.ComputeMetrics, logger, nil)
	outcomeSvc := outcome.New(db, rewardSvc, logger, nil)
	recorderSvc := recorder.New(db, reg, logger)
	exportSvc := export.New(db, logger)

	// Register pipeline jobs. The server runs them in-process; they are also
	// triggerable through POST /v1/jobs/{name}.
	sched := scheduler.New(logger)
	sched.Register("track-outcomes", cfg.OutcomeTrackInterval, func(ctx context.Context) error {
		_, err := outcomeSvc.TrackPendingOutcomes(ctx, cfg.OutcomeBatchLimit)
		return err
	})
	sched.Register("calculate-rewards", cfg.RewardSweepInterval, func(ctx context.Context) error {
		_, err := rewardSvc.CalculatePendingRewards(ctx)
		return err
	})

	srv := server.New(server.ServerConfig{
		Deps: server.HandlersDeps{
			DB:          db,
			JWTMgr:      jwtMgr,
			RecorderSvc: recorderSvc,
			OutcomeSvc:  outcomeSvc,
			RewardSvc:   rewardSvc,
			ExportSvc:   exportSvc,
			Registry:    reg,
			Sched:       sched,
			Logger:      logger,
			Version:     version,
		},
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		InternalAPIKey:      cfg.InternalAPIKey,
	})

	// Seed the creator account.
	if err := srv.Handlers().SeedCreator(ctx, cfg.CreatorName, cfg.CreatorPassword); err != nil {
		slog.Warn("creator seed failed", "error", err)
	}

	// Start scheduled jobs in background.
	schedErrCh := make(chan error, 1)
	go func() {
		if err := sched.Run(ctx); err != nil {
			schedErrCh <- err
		}
	}()

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	case err := <-schedErrCh:
		return err
	}

	slog.Info("ocd shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("ocd stopped")
	return nil
}
