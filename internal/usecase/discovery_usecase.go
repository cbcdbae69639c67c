package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"

	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/config"
	"github.com/user/portal-ingest/pkg/metrics"
	"github.com/user/portal-ingest/pkg/utils"
)

// DiscoveryOptions narrows one discovery run.
type DiscoveryOptions struct {
	// Periods replaces the configured legislative periods when set.
	Periods    []string
	Categories []string
	// Recrawl visits only the listing pages that recrawl records were found on.
	Recrawl bool
	// NoCache processes every page even when its fingerprint is unchanged.
	NoCache bool
}

// DiscoveryReport summarises a run.
type DiscoveryReport struct {
	Pages          int `json:"pages"`
	PageErrors     int `json:"page_errors"`
	PagesUnchanged int `json:"pages_unchanged"`
	Inserted       int `json:"inserted"`
	Refreshed      int `json:"refreshed"`
	ChangeSignals  int `json:"change_signals"`
	Rediscovered   int `json:"rediscovered"`
	Repaired       int `json:"repaired"`
}

type discoveryCategory struct {
	cfg        config.CategoryConfig
	classifier *linkClassifier
}

type listingTarget struct {
	category *discoveryCategory
	period   string
	pageURL  string
}

// DiscoveryService turns listing pages into tracked files.
type DiscoveryService struct {
	repo       repository.TrackedFileRepository
	fetcher    repository.PageFetcher
	cache      repository.ListingCache
	source     config.SourceConfig
	categories []*discoveryCategory
	logger     *zap.Logger
}

// NewDiscoveryService compiles the category classifiers. cache may be nil.
func NewDiscoveryService(
	repo repository.TrackedFileRepository,
	fetcher repository.PageFetcher,
	cache repository.ListingCache,
	source config.SourceConfig,
	logger *zap.Logger,
) (*DiscoveryService, error) {
	if _, err := url.Parse(source.BaseURL); err != nil {
		return nil, fmt.Errorf("source base url: %w", err)
	}
	cats := make([]*discoveryCategory, 0, len(source.Categories))
	for _, c := range source.Categories {
		cl, err := newLinkClassifier(c.Classifier)
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", c.Name, err)
		}
		cats = append(cats, &discoveryCategory{cfg: c, classifier: cl})
	}
	return &DiscoveryService{
		repo:       repo,
		fetcher:    fetcher,
		cache:      cache,
		source:     source,
		categories: cats,
		logger:     logger,
	}, nil
}

// Run crawls the selected listing pages. A page that cannot be fetched or parsed is
// logged and skipped; only store failures and cancellation end the run early.
func (s *DiscoveryService) Run(ctx context.Context, opts DiscoveryOptions) (*DiscoveryReport, error) {
	var (
		targets []listingTarget
		err     error
	)
	if opts.Recrawl {
		targets, err = s.recrawlTargets(ctx, opts)
	} else {
		targets, err = s.listingTargets(opts)
	}
	if err != nil {
		return nil, err
	}

	report := &DiscoveryReport{}
	s.logger.Info("discovery started", zap.Int("pages", len(targets)), zap.Bool("recrawl", opts.Recrawl))
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.processPage(ctx, t, opts, report); err != nil {
			return report, err
		}
	}
	s.logger.Info("discovery finished",
		zap.Int("pages", report.Pages),
		zap.Int("page_errors", report.PageErrors),
		zap.Int("inserted", report.Inserted),
		zap.Int("change_signals", report.ChangeSignals),
		zap.Int("repaired", report.Repaired),
	)
	return report, nil
}

func (s *DiscoveryService) listingTargets(opts DiscoveryOptions) ([]listingTarget, error) {
	base, _ := url.Parse(s.source.BaseURL)
	var targets []listingTarget
	for _, c := range s.categories {
		if len(opts.Categories) > 0 && !contains(opts.Categories, c.cfg.Name) {
			continue
		}
		periods := s.source.PeriodsFor(c.cfg)
		if len(opts.Periods) > 0 {
			periods = opts.Periods
		}
		if len(periods) == 0 {
			periods = []string{""}
		}
		for _, p := range periods {
			page, err := listingURL(base, c.cfg.ListingPath, c.cfg.Name, p)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", c.cfg.Name, err)
			}
			targets = append(targets, listingTarget{category: c, period: p, pageURL: page})
		}
	}
	return targets, nil
}

// recrawlTargets returns one target per distinct source page of the recrawl records.
func (s *DiscoveryService) recrawlTargets(ctx context.Context, opts DiscoveryOptions) ([]listingTarget, error) {
	stale, err := s.repo.Query(ctx, entity.FileFilter{
		Statuses:           []entity.Status{entity.StatusRecrawl},
		Categories:         opts.Categories,
		LegislativePeriods: opts.Periods,
	})
	if err != nil {
		return nil, fmt.Errorf("query recrawl records: %w", err)
	}

	seen := make(map[string]bool)
	var targets []listingTarget
	for _, f := range stale {
		if f.SourcePageURL == "" {
			s.logger.Warn("recrawl record has no source page", zap.Int64("id", f.ID), zap.String("url", f.FileURL))
			continue
		}
		if seen[f.SourcePageURL] {
			continue
		}
		seen[f.SourcePageURL] = true
		targets = append(targets, listingTarget{
			category: s.category(f.Category),
			period:   f.LegislativePeriod,
			pageURL:  f.SourcePageURL,
		})
	}
	return targets, nil
}

func (s *DiscoveryService) category(name string) *discoveryCategory {
	for _, c := range s.categories {
		if c.cfg.Name == name {
			return c
		}
	}
	return &discoveryCategory{cfg: config.CategoryConfig{Name: name}, classifier: &linkClassifier{}}
}

func (s *DiscoveryService) processPage(ctx context.Context, t listingTarget, opts DiscoveryOptions, report *DiscoveryReport) error {
	cat := t.category.cfg.Name
	log := s.logger.With(zap.String("category", cat), zap.String("period", t.period), zap.String("page", t.pageURL))

	body, err := s.fetcher.FetchPage(ctx, t.pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("listing fetch failed, skipping page", zap.Error(err))
		metrics.ListingFetchesTotal.WithLabelValues(cat, "error").Inc()
		report.PageErrors++
		return nil
	}
	report.Pages++

	sum := sha256.Sum256(body)
	fingerprint := hex.EncodeToString(sum[:])

	stale, err := s.repo.Query(ctx, entity.FileFilter{
		Statuses:      []entity.Status{entity.StatusRecrawl},
		SourcePageURL: t.pageURL,
	})
	if err != nil {
		return fmt.Errorf("query recrawl records for %s: %w", t.pageURL, err)
	}

	if s.cache != nil && !opts.NoCache && !opts.Recrawl && len(stale) == 0 {
		prev, ok, err := s.cache.Fingerprint(ctx, t.pageURL)
		if err != nil {
			log.Warn("listing cache lookup failed", zap.Error(err))
		} else if ok && prev == fingerprint {
			log.Debug("listing unchanged, skipping page")
			metrics.ListingFetchesTotal.WithLabelValues(cat, "unchanged").Inc()
			report.PagesUnchanged++
			return nil
		}
	}

	links, err := ExtractListing(t.pageURL, body)
	if err != nil {
		log.Warn("listing parse failed, skipping page", zap.Error(err))
		metrics.ListingFetchesTotal.WithLabelValues(cat, "error").Inc()
		report.PageErrors++
		return nil
	}
	metrics.ListingFetchesTotal.WithLabelValues(cat, "ok").Inc()

	found := make([]*entity.DiscoveredFile, 0, len(links))
	for _, l := range links {
		d := &entity.DiscoveredFile{
			FileURL:           l.URL,
			FileName:          utils.FileNameFromURL(l.URL),
			FileType:          l.FileType,
			Category:          cat,
			LegislativePeriod: t.period,
			SourcePageURL:     t.pageURL,
			AnchorText:        l.AnchorText,
			URLPattern:        utils.DerivePattern(l.URL),
			Listing:           l.Meta,
		}
		if !t.category.classifier.classify(d) {
			continue
		}
		found = append(found, d)
	}

	// Repairs run first: once the replacement URL is recorded as its own row it can no
	// longer be given to the stale record.
	if err := s.repairMoved(ctx, stale, found, report, log); err != nil {
		return err
	}
	for _, d := range found {
		if err := s.record(ctx, d, report, log); err != nil {
			return err
		}
	}

	if s.cache != nil {
		if err := s.cache.Remember(ctx, t.pageURL, fingerprint); err != nil {
			log.Warn("listing cache update failed", zap.Error(err))
		}
	}
	log.Debug("listing processed", zap.Int("links", len(found)))
	return nil
}

// record upserts one link and applies the status effects of seeing it again.
func (s *DiscoveryService) record(ctx context.Context, d *entity.DiscoveredFile, report *DiscoveryReport, log *zap.Logger) error {
	f, outcome, err := s.repo.UpsertDiscovered(ctx, d)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", d.FileURL, err)
	}
	if outcome == entity.UpsertInserted {
		report.Inserted++
		metrics.DiscoveredTotal.WithLabelValues(d.Category, "inserted").Inc()
		return nil
	}

	var (
		to     entity.Status
		effect string
		apply  repository.Mutation
	)
	switch {
	case f.Status == entity.StatusCompleted && d.Listing.NewerThan(f):
		to, effect = entity.StatusDownloadPending, "change_signal"
	case f.Status == entity.StatusRecrawl:
		to, effect = entity.StatusDiscovered, "rediscovered"
		apply = func(nf *entity.TrackedFile) {
			nf.ErrorMessage = ""
			nf.RetryAt = nil
		}
	default:
		report.Refreshed++
		metrics.DiscoveredTotal.WithLabelValues(d.Category, "refreshed").Inc()
		return nil
	}

	_, err = s.repo.Transition(ctx, f.ID, f.Status, to, apply)
	if errors.Is(err, entity.ErrStaleState) {
		metrics.StaleClaimsTotal.WithLabelValues("discovery").Inc()
		log.Debug("record moved on before discovery could update it", zap.Int64("id", f.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %d to %s: %w", f.ID, to, err)
	}
	metrics.TransitionsTotal.WithLabelValues(string(f.Status), string(to)).Inc()
	metrics.DiscoveredTotal.WithLabelValues(d.Category, effect).Inc()
	if to == entity.StatusDownloadPending {
		report.ChangeSignals++
		log.Info("listing advertises a newer version", zap.Int64("id", f.ID), zap.String("url", f.FileURL))
	} else {
		report.Rediscovered++
		log.Info("recrawl url is listed again", zap.Int64("id", f.ID), zap.String("url", f.FileURL))
	}
	return nil
}

// repairMoved gives each recrawl record of a page the URL of the untracked link with exactly
// its stored anchor text. Records whose URL is still listed are left to record; ambiguous or
// missing matches stay in recrawl.
func (s *DiscoveryService) repairMoved(ctx context.Context, stale []*entity.TrackedFile, found []*entity.DiscoveredFile, report *DiscoveryReport, log *zap.Logger) error {
	listed := make(map[string]bool, len(found))
	for _, d := range found {
		listed[d.FileURL] = true
	}

	for _, f := range stale {
		if listed[f.FileURL] {
			continue
		}
		repl, err := s.replacementFor(ctx, f, found)
		if err != nil {
			return err
		}
		if repl == nil {
			log.Info("no replacement found for moved file", zap.Int64("id", f.ID), zap.String("url", f.FileURL), zap.String("anchor", f.AnchorText))
			continue
		}

		_, err = s.repo.Transition(ctx, f.ID, entity.StatusRecrawl, entity.StatusDiscovered, func(nf *entity.TrackedFile) {
			nf.FileURL = repl.FileURL
			nf.FileName = repl.FileName
			nf.FileType = repl.FileType
			nf.SubSeries = repl.SubSeries
			nf.Session = repl.Session
			nf.Number = repl.Number
			nf.URLPattern = repl.URLPattern
			nf.AnchorText = repl.AnchorText
			nf.ErrorMessage = ""
			nf.RetryAt = nil
		})
		switch {
		case errors.Is(err, entity.ErrStaleState):
			metrics.StaleClaimsTotal.WithLabelValues("discovery").Inc()
			continue
		case errors.Is(err, entity.ErrDuplicateURL):
			log.Warn("replacement url is already tracked, leaving record in recrawl",
				zap.Int64("id", f.ID), zap.String("replacement", repl.FileURL))
			continue
		case err != nil:
			return fmt.Errorf("repair %d: %w", f.ID, err)
		}
		report.Repaired++
		metrics.TransitionsTotal.WithLabelValues(string(entity.StatusRecrawl), string(entity.StatusDiscovered)).Inc()
		metrics.DiscoveredTotal.WithLabelValues(f.Category, "repaired").Inc()
		log.Info("moved file re-resolved", zap.Int64("id", f.ID), zap.String("from", f.FileURL), zap.String("to", repl.FileURL))
	}
	return nil
}

// replacementFor picks the untracked link on the record's source page whose anchor text
// equals the stored one. The URL may change in any part; the stored URL pattern only
// decides between several links with the same anchor text.
func (s *DiscoveryService) replacementFor(ctx context.Context, f *entity.TrackedFile, found []*entity.DiscoveredFile) (*entity.DiscoveredFile, error) {
	var candidates []*entity.DiscoveredFile
	for _, d := range found {
		if d.AnchorText != f.AnchorText {
			continue
		}
		_, err := s.repo.GetByURL(ctx, d.FileURL)
		if err == nil {
			continue
		}
		if !errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("lookup %s: %w", d.FileURL, err)
		}
		candidates = append(candidates, d)
	}
	if len(candidates) <= 1 {
		if len(candidates) == 0 {
			return nil, nil
		}
		return candidates[0], nil
	}

	pattern := f.URLPattern
	if pattern == "" {
		pattern = utils.DerivePattern(f.FileURL)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		s.logger.Warn("stored url pattern does not compile", zap.Int64("id", f.ID), zap.String("pattern", pattern), zap.Error(err))
		return nil, nil
	}
	var match *entity.DiscoveredFile
	for _, d := range candidates {
		if !re.MatchString(d.FileURL) {
			continue
		}
		if match != nil {
			match = nil
			break
		}
		match = d
	}
	if match == nil {
		s.logger.Warn("ambiguous replacement for moved file",
			zap.Int64("id", f.ID), zap.String("anchor", f.AnchorText), zap.Int("candidates", len(candidates)))
	}
	return match, nil
}

func listingURL(base *url.URL, pathTmpl, category, period string) (string, error) {
	if pathTmpl == "" {
		return "", errors.New("listing_path is empty")
	}
	rel := utils.ExpandTemplate(pathTmpl, map[string]string{"category": category, "period": period})
	return utils.ToAbsoluteURL(base, rel)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
