package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/delivery/http/handler"
	"github.com/user/portal-ingest/internal/delivery/http/router"
	"github.com/user/portal-ingest/internal/usecase"
	"github.com/user/portal-ingest/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops API, the download and import workers and the discovery schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), serve)
	},
}

func registerServeCommand() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	ds, err := a.discoveryService(cfg.Discovery.RateLimitDelay)
	if err != nil {
		return err
	}
	dm, err := a.downloadManager(ctx, cfg.Download.RateLimitDelay)
	if err != nil {
		return err
	}
	ip, err := a.importProcessor(ctx)
	if err != nil {
		return err
	}
	files := a.fileManager()
	downloadOpts := a.downloadOptions()
	importOpts := usecase.ImportOptions{BatchSize: cfg.Import.BatchSize}

	// --- Workers ---
	downloaders := worker.NewPool("download", cfg.Workers.Downloaders, cfg.Workers.PollInterval,
		func(ctx context.Context) (int, error) {
			report, err := dm.RunBatch(ctx, downloadOpts)
			if report == nil {
				return 0, err
			}
			return report.Claimed, err
		}, log)
	importers := worker.NewPool("import", cfg.Workers.Importers, cfg.Workers.PollInterval,
		func(ctx context.Context) (int, error) {
			report, err := ip.Run(ctx, importOpts)
			if errors.Is(err, usecase.ErrCategoryBlocked) {
				err = nil
			}
			if report == nil {
				return 0, err
			}
			return report.Completed + report.ImportErrors + report.SchemaMismatches, err
		}, log)

	// --- Schedule ---
	scheduler, err := worker.NewScheduler(log)
	if err != nil {
		return err
	}
	if err := scheduler.AddCron(ctx, worker.JobDiscovery, cfg.Schedule.DiscoveryCron, func(ctx context.Context) error {
		report, err := ds.Run(ctx, usecase.DiscoveryOptions{})
		if err != nil {
			return err
		}
		log.Info("scheduled discovery finished", zap.Any("report", report))
		_, err = dm.SkipExcluded(ctx, downloadOpts)
		return err
	}); err != nil {
		return err
	}
	lease := cfg.Workers.LeaseTimeout
	if err := scheduler.AddInterval(ctx, worker.JobReleaseStale, releaseInterval(lease), func(ctx context.Context) error {
		n, err := a.repo.ReleaseStale(ctx, time.Now().Add(-lease))
		if n > 0 {
			log.Warn("released stale claims", zap.Int64("count", n), zap.Duration("lease_timeout", lease))
		}
		return err
	}); err != nil {
		return err
	}
	if err := scheduler.AddInterval(ctx, worker.JobStatusGauge, cfg.Schedule.StatsInterval, files.RefreshGauge); err != nil {
		return err
	}

	// --- HTTP Server ---
	checks := map[string]handler.HealthCheck{"postgres": a.db.Ping}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	apiHandler := handler.NewHandler(files, scheduler, checks, log)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.New(apiHandler, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if _, err := dm.SkipExcluded(ctx, downloadOpts); err != nil {
		return err
	}
	downloaders.Start(ctx)
	importers.Start(ctx)
	scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serverErr:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
	if err := scheduler.Shutdown(); err != nil {
		log.Error("scheduler shutdown failed", zap.Error(err))
	}
	downloaders.Stop()
	importers.Stop()
	log.Info("stopped")
	return err
}

// releaseInterval checks for abandoned claims a few times per lease.
func releaseInterval(lease time.Duration) time.Duration {
	if d := lease / 4; d > time.Minute {
		return d
	}
	return time.Minute
}
