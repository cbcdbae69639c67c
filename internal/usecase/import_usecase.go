package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/mapper"
	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/metrics"
)

var (
	// ErrStrictAbort ends a strict-mode run at the first import_error or schema_mismatch.
	ErrStrictAbort = errors.New("import aborted in strict mode")
	// ErrCategoryBlocked is returned when an upstream category still has unfinished records.
	ErrCategoryBlocked = errors.New("category blocked by unfinished upstream category")
)

// ImportOptions narrows one import run.
type ImportOptions struct {
	Categories []string
	FileTypes  []entity.FileType
	// ForceReimport also imports completed records again.
	ForceReimport bool
	StrictMode    bool
	BatchSize     int
}

// ImportReport summarises a run.
type ImportReport struct {
	Completed        int    `json:"completed"`
	ImportErrors     int    `json:"import_errors"`
	SchemaMismatches int    `json:"schema_mismatches"`
	Records          int    `json:"records"`
	Released         int    `json:"released"`
	BlockedAt        string `json:"blocked_at,omitempty"`
}

// ImportProcessor imports pending files category by category in dependency order.
type ImportProcessor struct {
	repo    repository.TrackedFileRepository
	store   repository.ContentStore
	mappers *mapper.Registry
	sink    repository.EntitySink
	order   []string
	logger  *zap.Logger
	now     func() time.Time
}

// NewImportProcessor creates a processor. order lists categories upstream first.
func NewImportProcessor(
	repo repository.TrackedFileRepository,
	store repository.ContentStore,
	mappers *mapper.Registry,
	sink repository.EntitySink,
	order []string,
	logger *zap.Logger,
) *ImportProcessor {
	return &ImportProcessor{
		repo:    repo,
		store:   store,
		mappers: mappers,
		sink:    sink,
		order:   order,
		logger:  logger,
		now:     time.Now,
	}
}

// Run walks the categories in dependency order. A category starts only when every earlier
// category has no non-terminal record left; otherwise the run stops with ErrCategoryBlocked.
func (p *ImportProcessor) Run(ctx context.Context, opts ImportOptions) (*ImportReport, error) {
	report := &ImportReport{}
	order, err := p.categoryOrder(ctx)
	if err != nil {
		return report, err
	}

	for i, cat := range order {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if len(opts.Categories) > 0 && !contains(opts.Categories, cat) {
			continue
		}
		if blocker, n, err := p.upstreamBlocker(ctx, order[:i]); err != nil {
			return report, err
		} else if blocker != "" {
			report.BlockedAt = cat
			p.logger.Info("import blocked",
				zap.String("category", cat), zap.String("upstream", blocker), zap.Int64("unfinished", n))
			return report, fmt.Errorf("%w: %s waits for %d %s records", ErrCategoryBlocked, cat, n, blocker)
		}
		if err := p.runCategory(ctx, cat, opts, report); err != nil {
			return report, err
		}
	}
	p.logger.Info("import run finished",
		zap.Int("completed", report.Completed),
		zap.Int("records", report.Records),
		zap.Int("import_errors", report.ImportErrors),
		zap.Int("schema_mismatches", report.SchemaMismatches),
	)
	return report, nil
}

// categoryOrder is the configured order followed by every other known category, sorted.
func (p *ImportProcessor) categoryOrder(ctx context.Context) ([]string, error) {
	rows, err := p.repo.Stats(ctx, entity.FileFilter{})
	if err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	order := append([]string(nil), p.order...)
	var rest []string
	for _, r := range rows {
		if !contains(order, r.Category) && !contains(rest, r.Category) {
			rest = append(rest, r.Category)
		}
	}
	sort.Strings(rest)
	return append(order, rest...), nil
}

func (p *ImportProcessor) upstreamBlocker(ctx context.Context, upstream []string) (string, int64, error) {
	for _, cat := range upstream {
		n, err := p.repo.CountNonTerminal(ctx, cat)
		if err != nil {
			return "", 0, fmt.Errorf("count unfinished %s: %w", cat, err)
		}
		if n > 0 {
			return cat, n, nil
		}
	}
	return "", 0, nil
}

func (p *ImportProcessor) runCategory(ctx context.Context, cat string, opts ImportOptions, report *ImportReport) error {
	if opts.ForceReimport {
		if err := p.reimportCompleted(ctx, cat, opts, report); err != nil {
			return err
		}
	}

	limit := opts.BatchSize
	if limit <= 0 {
		limit = 1
	}
	for ctx.Err() == nil {
		batch, err := p.repo.ClaimBatch(ctx, entity.ClaimRequest{
			From:       entity.StatusPending,
			To:         entity.StatusProcessing,
			Limit:      limit,
			Categories: []string{cat},
			FileTypes:  opts.FileTypes,
		})
		if err != nil {
			return fmt.Errorf("claim pending %s: %w", cat, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for i, f := range batch {
			metrics.TransitionsTotal.WithLabelValues(string(entity.StatusPending), string(entity.StatusProcessing)).Inc()
			if ctx.Err() != nil {
				p.release(batch[i:], report)
				return ctx.Err()
			}
			if err := p.importFile(context.WithoutCancel(ctx), f, opts, report); err != nil {
				p.release(batch[i+1:], report)
				return err
			}
		}
	}
	return ctx.Err()
}

// reimportCompleted takes the completed records present at the start of the category
// back through processing once.
func (p *ImportProcessor) reimportCompleted(ctx context.Context, cat string, opts ImportOptions, report *ImportReport) error {
	done, err := p.repo.Query(ctx, entity.FileFilter{
		Statuses:   []entity.Status{entity.StatusCompleted},
		Categories: []string{cat},
		FileTypes:  opts.FileTypes,
	})
	if err != nil {
		return fmt.Errorf("query completed %s: %w", cat, err)
	}
	for _, f := range done {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := p.repo.ManualTransition(ctx, f.ID, entity.StatusCompleted, entity.StatusProcessing, func(nf *entity.TrackedFile) {
			now := p.now()
			nf.ProcessingStartedAt = &now
		})
		if errors.Is(err, entity.ErrStaleState) {
			continue
		}
		if err != nil {
			return fmt.Errorf("claim completed %d: %w", f.ID, err)
		}
		metrics.TransitionsTotal.WithLabelValues(string(entity.StatusCompleted), string(entity.StatusProcessing)).Inc()
		if err := p.importFile(context.WithoutCancel(ctx), claimed, opts, report); err != nil {
			return err
		}
	}
	return nil
}

// importFile processes one claimed record and writes its outcome. It returns an error only
// for store failures and strict-mode aborts.
func (p *ImportProcessor) importFile(ctx context.Context, f *entity.TrackedFile, opts ImportOptions, report *ImportReport) error {
	log := p.logger.With(zap.Int64("id", f.ID), zap.String("category", f.Category), zap.String("file", f.FileName))

	res, issues, err := p.mapFile(ctx, f, log)
	now := p.now()
	switch {
	case err != nil:
		report.ImportErrors++
		metrics.ImportsTotal.WithLabelValues(f.Category, string(entity.StatusImportError)).Inc()
		log.Error("import failed", zap.Error(err))
		if werr := p.finish(ctx, f, entity.StatusImportError, func(nf *entity.TrackedFile) {
			nf.ErrorCount++
			nf.ErrorMessage = err.Error()
			nf.RecordsImported = nil
			nf.ProcessingCompletedAt = &now
		}, log); werr != nil {
			return werr
		}
		if opts.StrictMode {
			return fmt.Errorf("%w: file %d: %v", ErrStrictAbort, f.ID, err)
		}
		return nil

	case len(issues) > 0:
		report.SchemaMismatches++
		metrics.ImportsTotal.WithLabelValues(f.Category, string(entity.StatusSchemaMismatch)).Inc()
		log.Warn("file does not match the expected structure", zap.Int("issues", len(issues)), zap.String("first", issues[0].Message))
		if werr := p.finish(ctx, f, entity.StatusSchemaMismatch, func(nf *entity.TrackedFile) {
			nf.SchemaIssues = issues
			nf.ErrorMessage = joinIssues(issues)
			nf.RecordsImported = nil
			nf.ProcessingCompletedAt = &now
		}, log); werr != nil {
			return werr
		}
		if opts.StrictMode {
			return fmt.Errorf("%w: file %d has %d schema issues", ErrStrictAbort, f.ID, len(issues))
		}
		return nil
	}

	n := len(res.Entities)
	report.Completed++
	report.Records += n
	metrics.ImportsTotal.WithLabelValues(f.Category, string(entity.StatusCompleted)).Inc()
	metrics.RecordsImported.WithLabelValues(f.Category).Add(float64(n))
	log.Info("file imported", zap.Int("records", n))
	return p.finish(ctx, f, entity.StatusCompleted, func(nf *entity.TrackedFile) {
		nf.RecordsImported = &n
		nf.ErrorMessage = ""
		nf.SchemaIssues = nil
		nf.RetryAt = nil
		nf.ProcessingCompletedAt = &now
	}, log)
}

// mapFile runs parse, validate, map and upsert. Panics inside mappers or the sink are
// returned as errors.
func (p *ImportProcessor) mapFile(ctx context.Context, f *entity.TrackedFile, log *zap.Logger) (res *mapper.Result, issues []entity.SchemaIssue, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, issues = nil, nil
			err = fmt.Errorf("panic during import: %v", r)
		}
	}()

	m, ok := p.mappers.Lookup(f.Category, f.FileType)
	if !ok {
		return nil, nil, fmt.Errorf("no mapper registered for category %s", f.Category)
	}
	if f.FilePath == "" {
		return nil, nil, errors.New("record has no stored content")
	}

	rc, err := p.store.Open(ctx, f.FilePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open content: %w", err)
	}
	defer rc.Close()

	doc, err := mapper.Parse(rc, f.FileType)
	if err != nil {
		return nil, nil, err
	}
	if issues := m.Validate(doc); len(issues) > 0 {
		return nil, issues, nil
	}

	res, err = m.Map(doc, f.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range res.Anomalies {
		log.Warn("record skipped", zap.String("part", a.Part), zap.Int("index", a.Index), zap.String("reason", a.Message))
	}
	if _, err := p.sink.Upsert(ctx, res.Entities); err != nil {
		return nil, nil, fmt.Errorf("upsert entities: %w", err)
	}
	return res, nil, nil
}

func (p *ImportProcessor) finish(ctx context.Context, f *entity.TrackedFile, to entity.Status, apply repository.Mutation, log *zap.Logger) error {
	_, err := p.repo.Transition(ctx, f.ID, entity.StatusProcessing, to, apply)
	if errors.Is(err, entity.ErrStaleState) {
		metrics.StaleClaimsTotal.WithLabelValues("import").Inc()
		log.Warn("claim was taken over before write-back", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %d to %s: %w", f.ID, to, err)
	}
	metrics.TransitionsTotal.WithLabelValues(string(entity.StatusProcessing), string(to)).Inc()
	return nil
}

// release hands claims that were not started back to pending.
func (p *ImportProcessor) release(batch []*entity.TrackedFile, report *ImportReport) {
	ctx := context.Background()
	for _, f := range batch {
		_, err := p.repo.Transition(ctx, f.ID, entity.StatusProcessing, entity.StatusPending, func(nf *entity.TrackedFile) {
			nf.ProcessingStartedAt = nil
		})
		if err != nil {
			p.logger.Warn("could not release claim", zap.Int64("id", f.ID), zap.Error(err))
			continue
		}
		report.Released++
	}
}

// joinIssues renders schema issues as a one-line message.
func joinIssues(issues []entity.SchemaIssue) string {
	parts := make([]string, 0, len(issues))
	for i, is := range issues {
		if i == 5 {
			parts = append(parts, fmt.Sprintf("and %d more", len(issues)-i))
			break
		}
		parts = append(parts, is.Message)
	}
	return strings.Join(parts, "; ")
}
