package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/metrics"
)

// DownloadOptions narrows one download run.
type DownloadOptions struct {
	// FileTypes are the types fetched; others are marked skipped. Ignored with AllFileTypes.
	FileTypes    []entity.FileType
	AllFileTypes bool
	Categories   []string
	BatchSize    int
	// Force re-fetches download_pending records without asking the change detector.
	Force bool
}

func (o DownloadOptions) allowed() []entity.FileType {
	if o.AllFileTypes {
		return nil
	}
	return o.FileTypes
}

// DownloadReport summarises a run.
type DownloadReport struct {
	Claimed    int `json:"claimed"`
	Downloaded int `json:"downloaded"`
	Unchanged  int `json:"unchanged"`
	Duplicates int `json:"duplicates"`
	Moved      int `json:"moved"`
	Retried    int `json:"retried"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Released   int `json:"released"`
}

func (r *DownloadReport) add(o *DownloadReport) {
	r.Claimed += o.Claimed
	r.Downloaded += o.Downloaded
	r.Unchanged += o.Unchanged
	r.Duplicates += o.Duplicates
	r.Moved += o.Moved
	r.Retried += o.Retried
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Released += o.Released
}

// DownloadManager claims discovered and download_pending records and fetches their content.
type DownloadManager struct {
	repo     repository.TrackedFileRepository
	fetcher  repository.FileFetcher
	store    repository.ContentStore
	detector *ChangeDetector
	policy   RetryPolicy
	logger   *zap.Logger
	now      func() time.Time
}

func NewDownloadManager(
	repo repository.TrackedFileRepository,
	fetcher repository.FileFetcher,
	store repository.ContentStore,
	detector *ChangeDetector,
	policy RetryPolicy,
	logger *zap.Logger,
) *DownloadManager {
	return &DownloadManager{
		repo:     repo,
		fetcher:  fetcher,
		store:    store,
		detector: detector,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Run skips excluded file types, then claims batches until nothing is due or ctx is done.
func (m *DownloadManager) Run(ctx context.Context, opts DownloadOptions) (*DownloadReport, error) {
	total := &DownloadReport{}
	skipped, err := m.SkipExcluded(ctx, opts)
	total.Skipped = skipped
	if err != nil {
		return total, err
	}
	for ctx.Err() == nil {
		r, err := m.RunBatch(ctx, opts)
		total.add(r)
		if err != nil {
			return total, err
		}
		if r.Claimed == 0 {
			break
		}
	}
	m.logger.Info("download run finished",
		zap.Int("downloaded", total.Downloaded),
		zap.Int("unchanged", total.Unchanged+total.Duplicates),
		zap.Int("moved", total.Moved),
		zap.Int("retried", total.Retried),
		zap.Int("failed", total.Failed),
		zap.Int("skipped", total.Skipped),
	)
	return total, ctx.Err()
}

// SkipExcluded moves waiting records of excluded file types to skipped without fetching them.
func (m *DownloadManager) SkipExcluded(ctx context.Context, opts DownloadOptions) (int, error) {
	allowed := opts.allowed()
	if allowed == nil {
		return 0, nil
	}
	var excluded []entity.FileType
	for _, t := range entity.AllFileTypes {
		if !contains(fileTypeStrings(allowed), string(t)) {
			excluded = append(excluded, t)
		}
	}
	if len(excluded) == 0 {
		return 0, nil
	}

	files, err := m.repo.Query(ctx, entity.FileFilter{
		Statuses:   []entity.Status{entity.StatusDiscovered, entity.StatusDownloadPending},
		Categories: opts.Categories,
		FileTypes:  excluded,
	})
	if err != nil {
		return 0, fmt.Errorf("query excluded files: %w", err)
	}

	n := 0
	for _, f := range files {
		_, err := m.repo.Transition(ctx, f.ID, f.Status, entity.StatusSkipped, func(nf *entity.TrackedFile) {
			nf.ErrorMessage = fmt.Sprintf("file type %s is not enabled for download", nf.FileType)
			nf.RetryAt = nil
		})
		if errors.Is(err, entity.ErrStaleState) {
			metrics.StaleClaimsTotal.WithLabelValues("download").Inc()
			continue
		}
		if err != nil {
			return n, fmt.Errorf("skip %d: %w", f.ID, err)
		}
		metrics.TransitionsTotal.WithLabelValues(string(f.Status), string(entity.StatusSkipped)).Inc()
		metrics.DownloadsTotal.WithLabelValues("skipped", "").Inc()
		n++
	}
	if n > 0 {
		m.logger.Info("skipped excluded file types", zap.Int("count", n))
	}
	return n, nil
}

type claimedFile struct {
	file *entity.TrackedFile
	from entity.Status
}

// RunBatch claims at most one batch, new files first, and processes it. Cancellation is
// checked between files; claims not yet started are handed back.
func (m *DownloadManager) RunBatch(ctx context.Context, opts DownloadOptions) (*DownloadReport, error) {
	report := &DownloadReport{}
	limit := opts.BatchSize
	if limit <= 0 {
		limit = 1
	}

	var batch []claimedFile
	for _, from := range []entity.Status{entity.StatusDiscovered, entity.StatusDownloadPending} {
		if len(batch) >= limit {
			break
		}
		files, err := m.repo.ClaimBatch(ctx, entity.ClaimRequest{
			From:       from,
			To:         entity.StatusDownloading,
			Limit:      limit - len(batch),
			Categories: opts.Categories,
			FileTypes:  opts.allowed(),
		})
		if err != nil {
			m.releaseAll(batch, report)
			return report, fmt.Errorf("claim %s: %w", from, err)
		}
		for _, f := range files {
			metrics.TransitionsTotal.WithLabelValues(string(from), string(entity.StatusDownloading)).Inc()
			batch = append(batch, claimedFile{file: f, from: from})
		}
	}
	report.Claimed = len(batch)

	for i, c := range batch {
		if ctx.Err() != nil {
			m.releaseAll(batch[i:], report)
			return report, nil
		}
		if err := m.process(context.WithoutCancel(ctx), c, opts, report); err != nil {
			m.releaseAll(batch[i+1:], report)
			return report, err
		}
	}
	return report, nil
}

func (m *DownloadManager) process(ctx context.Context, c claimedFile, opts DownloadOptions, report *DownloadReport) error {
	f := c.file
	log := m.logger.With(zap.Int64("id", f.ID), zap.String("url", f.FileURL))

	if c.from == entity.StatusDownloadPending && !opts.Force && f.ContentHash != "" && m.detector != nil {
		result, meta := m.detector.Check(ctx, f)
		log.Debug("change check", zap.Stringer("result", result))
		if result == ChangeUnchanged {
			report.Unchanged++
			metrics.DownloadsTotal.WithLabelValues("unchanged", "").Inc()
			return m.finish(ctx, f, entity.StatusCompleted, func(nf *entity.TrackedFile) {
				nf.ApplyRemoteMeta(meta)
				nf.ProcessingStartedAt = nil
				nf.ErrorMessage = ""
				nf.RetryAt = nil
			}, log)
		}
	}

	start := m.now()
	res, err := m.fetcher.Fetch(ctx, f.FileURL)
	if err != nil {
		return m.handleFailure(ctx, f, err, report, log)
	}
	obj, err := m.store.Put(ctx, res.Body, f.FileType.Extension())
	res.Body.Close()
	if err != nil {
		return m.handleFailure(ctx, f, fmt.Errorf("store content: %w", err), report, log)
	}
	metrics.DownloadDuration.WithLabelValues(string(f.FileType)).Observe(time.Since(start).Seconds())
	if !obj.Existed {
		metrics.DownloadedBytes.Add(float64(obj.Size))
	}

	to := entity.StatusPending
	if obj.Hash == f.ContentHash && f.RecordsImported != nil {
		to = entity.StatusCompleted
		report.Duplicates++
		metrics.DownloadsTotal.WithLabelValues("unchanged", "").Inc()
		log.Info("downloaded content is identical to the imported version")
	} else {
		report.Downloaded++
		metrics.DownloadsTotal.WithLabelValues("success", "").Inc()
	}

	size := obj.Size
	return m.finish(ctx, f, to, func(nf *entity.TrackedFile) {
		nf.FilePath = obj.Path
		nf.ContentHash = obj.Hash
		nf.FileSize = &size
		nf.ApplyRemoteMeta(res.Meta)
		nf.ErrorCount = 0
		nf.ErrorMessage = ""
		nf.RetryAt = nil
		nf.ProcessingStartedAt = nil
	}, log)
}

// handleFailure routes a failed fetch: moved resources go to recrawl, everything else is
// retried with backoff until the error ceiling is reached.
func (m *DownloadManager) handleFailure(ctx context.Context, f *entity.TrackedFile, fetchErr error, report *DownloadReport, log *zap.Logger) error {
	if errors.Is(fetchErr, repository.ErrMoved) {
		report.Moved++
		metrics.DownloadsTotal.WithLabelValues("moved", "moved").Inc()
		log.Info("file moved, queued for recrawl", zap.Error(fetchErr))
		return m.finish(ctx, f, entity.StatusRecrawl, func(nf *entity.TrackedFile) {
			nf.RecrawlCount++
			nf.ErrorMessage = fetchErr.Error()
			nf.RetryAt = nil
			nf.ProcessingStartedAt = nil
		}, log)
	}

	errType := errorType(fetchErr)
	attempts := f.ErrorCount + 1
	if m.policy.ShouldGiveUp(attempts) {
		report.Failed++
		metrics.DownloadsTotal.WithLabelValues("failed", errType).Inc()
		log.Warn("download failed permanently", zap.Int("error_count", attempts), zap.Error(fetchErr))
		return m.finish(ctx, f, entity.StatusFailed, func(nf *entity.TrackedFile) {
			nf.ErrorCount = attempts
			nf.ErrorMessage = fetchErr.Error()
			nf.RetryAt = nil
			nf.ProcessingStartedAt = nil
		}, log)
	}

	retryAt := m.now().Add(m.policy.NextRetryDelay(attempts))
	report.Retried++
	metrics.DownloadsTotal.WithLabelValues("retry", errType).Inc()
	log.Warn("download failed, will retry",
		zap.Int("error_count", attempts), zap.Time("retry_at", retryAt), zap.Error(fetchErr))
	return m.finish(ctx, f, entity.StatusDiscovered, func(nf *entity.TrackedFile) {
		nf.ErrorCount = attempts
		nf.ErrorMessage = fetchErr.Error()
		nf.RetryAt = &retryAt
		nf.ProcessingStartedAt = nil
	}, log)
}

// finish writes the outcome of a claim. Losing the record to another writer is not an error.
func (m *DownloadManager) finish(ctx context.Context, f *entity.TrackedFile, to entity.Status, apply repository.Mutation, log *zap.Logger) error {
	_, err := m.repo.Transition(ctx, f.ID, entity.StatusDownloading, to, apply)
	if errors.Is(err, entity.ErrStaleState) {
		metrics.StaleClaimsTotal.WithLabelValues("download").Inc()
		log.Warn("claim was taken over before write-back", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition %d to %s: %w", f.ID, to, err)
	}
	metrics.TransitionsTotal.WithLabelValues(string(entity.StatusDownloading), string(to)).Inc()
	return nil
}

// releaseAll hands unprocessed claims back to discovered so they are picked up again.
func (m *DownloadManager) releaseAll(batch []claimedFile, report *DownloadReport) {
	ctx := context.Background()
	for _, c := range batch {
		_, err := m.repo.Transition(ctx, c.file.ID, entity.StatusDownloading, entity.StatusDiscovered, func(nf *entity.TrackedFile) {
			nf.ProcessingStartedAt = nil
		})
		if err != nil {
			m.logger.Warn("could not release claim", zap.Int64("id", c.file.ID), zap.Error(err))
			continue
		}
		report.Released++
	}
}

func errorType(err error) string {
	var httpErr *repository.HTTPError
	switch {
	case errors.Is(err, repository.ErrFetchTimeout):
		return "timeout"
	case errors.Is(err, repository.ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%dxx", httpErr.StatusCode/100)
	}
	return "network"
}

func fileTypeStrings(types []entity.FileType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
