package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/usecase"
)

var (
	discoverOpts      usecase.DiscoveryOptions
	discoverRateLimit time.Duration

	downloadAllTypes  bool
	downloadRateLimit time.Duration
	downloadBatch     int
	downloadForce     bool
	downloadCategory  []string

	importCategories []string
	importFileTypes  []string
	importForce      bool
	importStrict     bool
)

var (
	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Crawl listing pages and record the data files they link to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runDiscovery(ctx, a, discoveryDelay(cmd, "rate-limit", discoverRateLimit))
			})
		},
	}

	downloadCmd = &cobra.Command{
		Use:   "download",
		Short: "Fetch discovered and changed files into the content store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				return runDownload(ctx, a, downloadDelay(cmd, "rate-limit", downloadRateLimit))
			})
		},
	}

	importCmd = &cobra.Command{
		Use:   "import",
		Short: "Import downloaded files into the database in category dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), runImport)
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run discovery, download and import once, in that order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := runDiscovery(ctx, a, discoveryDelay(cmd, "discovery-rate-limit", discoverRateLimit)); err != nil {
					return err
				}
				if err := runDownload(ctx, a, downloadDelay(cmd, "download-rate-limit", downloadRateLimit)); err != nil {
					return err
				}
				return runImport(ctx, a)
			})
		},
	}
)

func registerPipelineCommands() {
	f := discoverCmd.Flags()
	f.StringArrayVar(&discoverOpts.Periods, "period", nil, "legislative period to crawl (repeatable; default from config)")
	f.StringArrayVar(&discoverOpts.Categories, "category", nil, "category to crawl (repeatable; default all)")
	f.BoolVar(&discoverOpts.Recrawl, "recrawl", false, "only revisit pages of files that moved")
	f.BoolVar(&discoverOpts.NoCache, "no-cache", false, "parse listing pages even if they did not change")
	f.DurationVar(&discoverRateLimit, "rate-limit", 0, "minimum delay between listing requests")

	f = downloadCmd.Flags()
	f.BoolVar(&downloadAllTypes, "all-file-types", false, "download every file type, not only the primary one")
	f.DurationVar(&downloadRateLimit, "rate-limit", 0, "minimum delay between file requests")
	f.IntVar(&downloadBatch, "batch", 0, "records claimed per batch")
	f.BoolVar(&downloadForce, "force", false, "re-fetch changed files without a conditional probe")
	f.StringArrayVar(&downloadCategory, "category", nil, "only download this category (repeatable)")

	f = importCmd.Flags()
	f.StringArrayVar(&importCategories, "category", nil, "only import this category (repeatable)")
	f.StringSliceVar(&importFileTypes, "file-types", nil, "comma-separated file types to import")
	f.BoolVar(&importForce, "force-reimport", false, "import completed files again")
	f.BoolVar(&importStrict, "strict-mode", false, "stop at the first import error or schema mismatch")

	f = runCmd.Flags()
	f.BoolVar(&downloadAllTypes, "all-file-types", false, "download every file type, not only the primary one")
	f.DurationVar(&discoverRateLimit, "discovery-rate-limit", 0, "minimum delay between listing requests")
	f.DurationVar(&downloadRateLimit, "download-rate-limit", 0, "minimum delay between file requests")
	f.BoolVar(&importStrict, "strict-mode", false, "stop at the first import error or schema mismatch")

	rootCmd.AddCommand(discoverCmd, downloadCmd, importCmd, runCmd)
}

// withApp connects the shared stores for one command and closes them afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func discoveryDelay(cmd *cobra.Command, flag string, v time.Duration) time.Duration {
	if cmd.Flags().Changed(flag) {
		return v
	}
	return cfg.Discovery.RateLimitDelay
}

func downloadDelay(cmd *cobra.Command, flag string, v time.Duration) time.Duration {
	if cmd.Flags().Changed(flag) {
		return v
	}
	return cfg.Download.RateLimitDelay
}

func runDiscovery(ctx context.Context, a *app, rateLimit time.Duration) error {
	svc, err := a.discoveryService(rateLimit)
	if err != nil {
		return err
	}
	report, err := svc.Run(ctx, discoverOpts)
	if report != nil {
		log.Info("discovery report", zap.Any("report", report))
	}
	return err
}

func runDownload(ctx context.Context, a *app, rateLimit time.Duration) error {
	dm, err := a.downloadManager(ctx, rateLimit)
	if err != nil {
		return err
	}
	opts := a.downloadOptions()
	opts.AllFileTypes = opts.AllFileTypes || downloadAllTypes
	opts.Categories = downloadCategory
	opts.Force = downloadForce
	if downloadBatch > 0 {
		opts.BatchSize = downloadBatch
	}

	report, err := dm.Run(ctx, opts)
	if report != nil {
		log.Info("download report", zap.Any("report", report))
	}
	return err
}

func runImport(ctx context.Context, a *app) error {
	fileTypes, err := parseFileTypes(importFileTypes)
	if err != nil {
		return err
	}
	ip, err := a.importProcessor(ctx)
	if err != nil {
		return err
	}
	opts := usecase.ImportOptions{
		Categories:    importCategories,
		FileTypes:     fileTypes,
		ForceReimport: importForce,
		StrictMode:    importStrict,
		BatchSize:     cfg.Import.BatchSize,
	}

	report, err := ip.Run(ctx, opts)
	if report != nil {
		log.Info("import report", zap.Any("report", report))
	}
	if errors.Is(err, usecase.ErrCategoryBlocked) {
		// Downstream categories wait for the next run; this is not a failure.
		log.Warn("import stopped before a blocked category", zap.Error(err))
		return nil
	}
	return err
}

// parseFileTypes validates the --file-types flag values.
func parseFileTypes(values []string) ([]entity.FileType, error) {
	var types []entity.FileType
	for _, v := range values {
		ft, err := entity.ParseFileType(v)
		if err != nil {
			return nil, fmt.Errorf("--file-types: %w", err)
		}
		types = append(types, ft)
	}
	return types, nil
}
