package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirsync/internal/admin"
	"github.com/ehr/fhirsync/internal/config"
	"github.com/ehr/fhirsync/internal/domain/audit"
	"github.com/ehr/fhirsync/internal/domain/consent"
	"github.com/ehr/fhirsync/internal/domain/record"
	"github.com/ehr/fhirsync/internal/mirror"
	"github.com/ehr/fhirsync/internal/platform/db"
	"github.com/ehr/fhirsync/internal/platform/logging"
	"github.com/ehr/fhirsync/internal/platform/middleware"
	"github.com/ehr/fhirsync/internal/reconcile"
	"github.com/ehr/fhirsync/internal/registry"
	"github.com/ehr/fhirsync/internal/syncjob"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sync-server",
		Short: "FHIR registry sync bridge",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New("fhirsync", cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}
	logger.Info().Msg("connected to database")

	// Stores and domain services
	records := record.NewPGStore(pool)
	consents := consent.NewPGStore(pool)
	audits := audit.NewPGStore(pool)
	auditSvc := audit.NewService(audits, logger)
	gate := consent.NewGate(consents, logger)

	// Registry integration
	regCfg := registry.Config{
		Enabled:      cfg.FHIRSyncEnabled,
		BaseURL:      cfg.FHIRRegistryBaseURL,
		TokenURL:     cfg.FHIRTokenURL,
		ClientID:     cfg.FHIRClientID,
		ClientSecret: cfg.FHIRClientSecret,
	}
	tokens := registry.NewTokenSource(regCfg, logger)
	client := registry.NewClient(regCfg, tokens, logger)

	// Queue, event listener, and background machinery
	queue := syncjob.NewPGQueue(pool, syncjob.WithPGMaxAttempts(cfg.SyncMaxAttempts))
	events := record.NewEvents()
	listener := syncjob.NewListener(queue, records, gate, logger)
	events.Subscribe(listener.HandleUpsert)

	sweeper := reconcile.NewSweeper(queue, records, auditSvc, logger)
	auditMirror := mirror.New(client, audits, auditSvc, logger)

	var workerPool *syncjob.Pool
	stopSchedulers := func() {}
	if cfg.FHIRSyncEnabled {
		workerPool = syncjob.NewPool(queue, records, gate, client, auditSvc, logger,
			syncjob.WithConcurrency(cfg.SyncWorkerConcurrency),
			syncjob.WithRateLimit(cfg.SyncRateLimitPerSec),
		)
		workerPool.Start(ctx)
		stopSchedulers = startSchedulers(ctx, cfg, queue, sweeper, auditMirror, logger)
	} else {
		// Integration disabled: the admin surface stays up for queue
		// inspection, but nothing executes or schedules work.
		logger.Warn().Msg("registry sync disabled; running admin surface only")
	}

	// HTTP server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/healthz", db.HealthHandler(pool))

	adminHandler := admin.NewHandler(queue, sweeper, auditMirror, audits, client, cfg.SchedulerSecret, logger)
	adminHandler.RegisterRoutes(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("sync_enabled", cfg.FHIRSyncEnabled).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown: stop accepting requests, stop the schedulers, then
	// drain the worker pool so in-flight jobs finish.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stopSchedulers()
	if workerPool != nil {
		workerPool.Stop()
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// startSchedulers launches the periodic reconciliation sweep, the audit
// mirror, and a daily maintenance tick (stalled-job recovery plus retention
// cleanup). The returned func stops them all.
func startSchedulers(ctx context.Context, cfg *config.Config, queue syncjob.Queue, sweeper *reconcile.Sweeper, auditMirror *mirror.Mirror, logger zerolog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 3)

	go func() {
		defer func() { done <- struct{}{} }()
		t := time.NewTicker(time.Duration(cfg.SweepIntervalMinutes) * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sweeper.Run(ctx, reconcile.Options{
					BatchSize: cfg.SyncBatchSize,
					StaleDays: cfg.SyncStaleDays,
				})
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		t := time.NewTicker(time.Duration(cfg.MirrorIntervalMinutes) * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := auditMirror.Run(ctx, mirror.Options{}); err != nil {
					logger.Warn().Err(err).Msg("scheduled mirror pass failed")
				}
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n, err := queue.RequeueStalled(ctx); err != nil {
					logger.Warn().Err(err).Msg("stalled-job recovery failed")
				} else if n > 0 {
					logger.Info().Int("requeued", n).Msg("recovered stalled jobs")
				}
				now := time.Now().UTC()
				if n, err := queue.Cleanup(ctx, now.Add(-syncjob.CompletedRetention), now.Add(-syncjob.FailedRetention)); err != nil {
					logger.Warn().Err(err).Msg("queue cleanup failed")
				} else if n > 0 {
					logger.Info().Int("removed", n).Msg("queue retention cleanup")
				}
			}
		}
	}()

	return func() {
		cancel()
		for i := 0; i < 3; i++ {
			<-done
		}
	}
}
