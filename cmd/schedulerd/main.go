// Command schedulerd is the coachletter delivery daemon. It owns the four
// periodic passes (due pass, retry sweep, metrics flush, attempt prune),
// the Postgres pool, the outbound provider clients, and the ops endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coachletter/internal/config"
	"coachletter/internal/content"
	"coachletter/internal/db"
	"coachletter/internal/dispatch"
	"coachletter/internal/external"
	"coachletter/internal/jobs"
	"coachletter/internal/metrics"
	"coachletter/internal/scheduler"
	"coachletter/internal/types"
)

const shutdownGrace = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("schedulerd exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("schedulerd starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
	)

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// Stores.
	subRepo := db.NewSubscriptionRepo(pool)
	attemptRepo := db.NewAttemptRepo(pool)
	metricsRepo := db.NewMetricsRepo(pool)
	profileRepo := db.NewProfileRepo(pool)

	// Outbound clients. Local mode boots on stubs so the daemon runs
	// without provider credentials.
	var (
		provider  types.EmailProvider
		generator types.ContentGenerator
	)
	if cfg.Environment == "local" {
		provider = external.NewStubEmailProvider(logger)
		generator = external.NewStubContentGenerator(logger)
	} else {
		httpClient := &http.Client{Timeout: cfg.Delivery.SendTimeout}
		provider = external.NewMailpostClient(httpClient, cfg.Provider, logger)

		genClient := &http.Client{Timeout: cfg.Generator.Timeout}
		generator = external.NewGeneratorClient(genClient, cfg.Generator, logger)
	}

	// Metrics: in-memory aggregator backed by the snapshot store, exposed
	// live on the ops endpoint.
	registry := metrics.NewRegistry()
	aggregator := metrics.NewAggregator(metricsRepo, registry, logger)
	opsServer := metrics.NewOpsServer(cfg.Ops.Addr, registry, logger)

	// Delivery pipeline.
	requester := content.NewRequester(generator, cfg.Generator.Timeout, logger)
	worker := dispatch.NewWorker(provider, dispatch.PlainTextRenderer{}, attemptRepo, dispatch.Policy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseDelay,
		SendTimeout: cfg.Delivery.SendTimeout,
	}, logger)

	slot := scheduler.Slot{
		Weekday: time.Weekday(cfg.Delivery.SlotWeekday),
		Hour:    cfg.Delivery.SlotHour,
	}

	duePass := scheduler.NewDuePass(subRepo, profileRepo, requester, worker, attemptRepo, aggregator, scheduler.DuePassConfig{
		BatchSize:   cfg.Delivery.BatchSize,
		BatchPause:  cfg.Delivery.BatchPause,
		MaxParallel: cfg.Delivery.MaxParallel,
		Slot:        slot,
	}, logger)

	sweeper := scheduler.NewRetrySweeper(attemptRepo, subRepo, profileRepo, requester, worker, aggregator, slot, logger)

	pruner := scheduler.NewPruneService(
		attemptRepo,
		scheduler.NewFileArchiver(cfg.Retention.ArchiveDir),
		cfg.Retention.AttemptRetention,
		cfg.Retention.PruneBatchSize,
		logger,
	)

	// Periodic jobs. All passes take the tick time as their reference
	// "now" so a slow pass does not drift its own eligibility checks.
	registryJobs := jobs.NewRegistry(ctx, logger)

	if err := registryJobs.Register("due_pass", cfg.Jobs.DuePassSpec, func(ctx context.Context) error {
		stats, err := duePass.Run(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("due pass finished",
			"run_id", types.GetRunID(ctx),
			"selected", stats.Selected,
			"sent", stats.Sent,
			"failed", stats.Failed,
			"claim_lost", stats.ClaimLost,
			"skipped", stats.Skipped,
		)
		return nil
	}); err != nil {
		return fmt.Errorf("register due_pass: %w", err)
	}

	if err := registryJobs.Register("retry_sweep", cfg.Jobs.RetrySweepSpec, func(ctx context.Context) error {
		stats, err := sweeper.Sweep(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("retry sweep finished",
			"run_id", types.GetRunID(ctx),
			"examined", stats.Examined,
			"sent", stats.Sent,
			"retried", stats.Retried,
			"exhausted", stats.Exhausted,
			"superseded", stats.Superseded,
		)
		return nil
	}); err != nil {
		return fmt.Errorf("register retry_sweep: %w", err)
	}

	if err := registryJobs.Register("metrics_flush", cfg.Jobs.MetricsFlushSpec, func(ctx context.Context) error {
		// The midnight flush snapshots the day that just ended.
		periodDate := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		return aggregator.FlushAndReset(ctx, periodDate)
	}); err != nil {
		return fmt.Errorf("register metrics_flush: %w", err)
	}

	if err := registryJobs.Register("attempt_prune", cfg.Jobs.AttemptPruneSpec, func(ctx context.Context) error {
		pruned, err := pruner.Run(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		logger.Info("attempt prune finished", "run_id", types.GetRunID(ctx), "pruned", pruned)
		return nil
	}); err != nil {
		return fmt.Errorf("register attempt_prune: %w", err)
	}

	// Ops endpoint.
	opsErr := make(chan error, 1)
	go func() {
		if err := opsServer.Start(); err != nil {
			opsErr <- err
		}
	}()

	registryJobs.Start()
	logger.Info("schedulerd running", "ops_addr", cfg.Ops.Addr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-opsErr:
		logger.Error("ops server failed", "error", err)
	}

	// Graceful shutdown: stop scheduling, let in-flight passes finish, then
	// flush whatever the aggregator holds so counters survive the restart.
	registryJobs.Stop(shutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := aggregator.FlushAndReset(shutdownCtx, time.Now().UTC().Truncate(24*time.Hour)); err != nil {
		logger.Warn("final metrics flush failed", "error", err)
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown failed", "error", err)
	}

	logger.Info("schedulerd stopped")
	return nil
}

// newLogger builds the process-wide structured logger. JSON everywhere
// except local, where text is easier to read.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Environment == "local" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", cfg.Service)
}
