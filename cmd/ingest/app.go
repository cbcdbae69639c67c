package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/adapter/chromedp_crawler"
	"github.com/user/portal-ingest/internal/adapter/filestore"
	"github.com/user/portal-ingest/internal/adapter/http_source"
	"github.com/user/portal-ingest/internal/adapter/memory"
	"github.com/user/portal-ingest/internal/adapter/postgres"
	"github.com/user/portal-ingest/internal/adapter/redis"
	"github.com/user/portal-ingest/internal/adapter/s3store"
	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/mapper"
	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/internal/usecase"
	"github.com/user/portal-ingest/pkg/config"
)

// app holds the connections shared by the pipeline components of one process.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *pgxpool.Pool
	rdb     *goredis.Client
	repo    repository.TrackedFileRepository
	store   repository.ContentStore
	breaker *gobreaker.CircuitBreaker

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(cfg.Database.DSN, logger); err != nil {
			return nil, err
		}
	}
	db, err := postgres.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.repo = postgres.NewTrackedFileRepo(db)

	if cfg.Redis.Enabled {
		rdb, err := redis.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	if cfg.Breaker.Enabled {
		b := cfg.Breaker
		a.breaker = http_source.NewBreaker("source", b.MaxRequestsInHalf, b.Interval, b.Timeout, b.MinRequests, b.FailureRate)
	}
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) contentStore(ctx context.Context) (repository.ContentStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	var err error
	switch a.cfg.Storage.Backend {
	case "s3":
		a.store, err = s3store.New(ctx, a.cfg.Storage.S3, a.logger)
	default:
		a.store, err = filestore.New(a.cfg.Storage.Root)
	}
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	return a.store, nil
}

func (a *app) listingCache() repository.ListingCache {
	if !a.cfg.Discovery.UseCache {
		return nil
	}
	if a.rdb != nil {
		return redis.NewListingCache(a.rdb, a.cfg.Redis.ListingTTL)
	}
	return memory.NewListingCache(a.cfg.Redis.ListingTTL)
}

func (a *app) discoveryService(rateLimit time.Duration) (*usecase.DiscoveryService, error) {
	src := a.cfg.Source
	var fetcher repository.PageFetcher
	if src.RenderListings {
		lf := chromedp_crawler.NewListingFetcher(2, src.ListingTimeout, src.UserAgent, a.logger)
		a.closers = append(a.closers, lf.Close)
		fetcher = chromedp_crawler.NewPacedFetcher(lf, rateLimit)
	} else {
		fetcher = http_source.NewSource(http_source.Options{
			UserAgent:   src.UserAgent,
			MinDelay:    rateLimit,
			PageTimeout: src.ListingTimeout,
			Breaker:     a.breaker,
		})
	}
	return usecase.NewDiscoveryService(a.repo, fetcher, a.listingCache(), src, a.logger.With(zap.String("component", "discovery")))
}

func (a *app) downloadManager(ctx context.Context, rateLimit time.Duration) (*usecase.DownloadManager, error) {
	store, err := a.contentStore(ctx)
	if err != nil {
		return nil, err
	}
	source := http_source.NewSource(http_source.Options{
		UserAgent:    a.cfg.Source.UserAgent,
		MinDelay:     rateLimit,
		FileTimeout:  a.cfg.Download.Timeout,
		ProbeTimeout: a.cfg.Source.ProbeTimeout,
		Breaker:      a.breaker,
	})
	logger := a.logger.With(zap.String("component", "download"))
	policy := usecase.RetryPolicy{Base: a.cfg.Retry.Base, Cap: a.cfg.Retry.Cap, MaxErrors: a.cfg.Retry.MaxErrors}
	return usecase.NewDownloadManager(a.repo, source, store, usecase.NewChangeDetector(source, logger), policy, logger), nil
}

func (a *app) importProcessor(ctx context.Context) (*usecase.ImportProcessor, error) {
	store, err := a.contentStore(ctx)
	if err != nil {
		return nil, err
	}
	mappers, err := mapper.NewRegistryFromConfig(a.cfg.Import.Schemas)
	if err != nil {
		return nil, fmt.Errorf("import schemas: %w", err)
	}
	sink := postgres.NewEntitySink(a.db)
	return usecase.NewImportProcessor(a.repo, store, mappers, sink, a.cfg.Import.Order, a.logger.With(zap.String("component", "import"))), nil
}

func (a *app) fileManager() usecase.FileManager {
	return usecase.NewFileManager(a.repo, a.logger)
}

// downloadOptions is the configured default: the primary file type only.
func (a *app) downloadOptions() usecase.DownloadOptions {
	return usecase.DownloadOptions{
		FileTypes:    []entity.FileType{entity.FileType(a.cfg.Download.PrimaryFileType)},
		AllFileTypes: a.cfg.Download.AllFileTypes,
		BatchSize:    a.cfg.Download.BatchSize,
	}
}
