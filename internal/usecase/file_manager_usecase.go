package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/metrics"
)

// ErrNothingToRequeue is returned when a record's status has no operator retry edge.
var ErrNothingToRequeue = errors.New("record status cannot be requeued")

// FileManager is the operator surface over the Status Store.
type FileManager interface {
	Get(ctx context.Context, id int64) (*entity.TrackedFile, error)
	List(ctx context.Context, filter entity.FileFilter) ([]*entity.TrackedFile, error)
	Stats(ctx context.Context) ([]entity.StatusCount, error)
	// Requeue sends a record back into the pipeline along its operator edge.
	Requeue(ctx context.Context, id int64) (*entity.TrackedFile, error)
	// Reset rewrites matching records to their initial discovered state.
	Reset(ctx context.Context, filter entity.FileFilter) (int64, error)
	// RefreshGauge publishes the current status counts as metrics.
	RefreshGauge(ctx context.Context) error
}

// requeueTargets maps a status to the status an operator retry moves it to.
var requeueTargets = map[entity.Status]entity.Status{
	entity.StatusImportError:    entity.StatusPending,
	entity.StatusSchemaMismatch: entity.StatusPending,
	entity.StatusFailed:         entity.StatusDiscovered,
	entity.StatusSkipped:        entity.StatusDiscovered,
	entity.StatusRecrawl:        entity.StatusDiscovered,
	entity.StatusCompleted:      entity.StatusDownloadPending,
}

type fileManagerUseCase struct {
	repo   repository.TrackedFileRepository
	logger *zap.Logger
}

func NewFileManager(repo repository.TrackedFileRepository, logger *zap.Logger) FileManager {
	return &fileManagerUseCase{repo: repo, logger: logger}
}

func (uc *fileManagerUseCase) Get(ctx context.Context, id int64) (*entity.TrackedFile, error) {
	return uc.repo.Get(ctx, id)
}

func (uc *fileManagerUseCase) List(ctx context.Context, filter entity.FileFilter) ([]*entity.TrackedFile, error) {
	return uc.repo.Query(ctx, filter)
}

func (uc *fileManagerUseCase) Stats(ctx context.Context) ([]entity.StatusCount, error) {
	return uc.repo.Stats(ctx, entity.FileFilter{})
}

func (uc *fileManagerUseCase) Requeue(ctx context.Context, id int64) (*entity.TrackedFile, error) {
	f, err := uc.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, ok := requeueTargets[f.Status]
	if !ok {
		return nil, fmt.Errorf("%w: %d is %s", ErrNothingToRequeue, id, f.Status)
	}

	updated, err := uc.repo.ManualTransition(ctx, id, f.Status, to, func(nf *entity.TrackedFile) {
		nf.RetryAt = nil
		nf.ProcessingStartedAt = nil
		switch to {
		case entity.StatusPending:
			nf.ErrorMessage = ""
			nf.SchemaIssues = nil
		case entity.StatusDiscovered:
			nf.ErrorMessage = ""
			nf.ErrorCount = 0
		}
	})
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(f.Status), string(to)).Inc()
	uc.logger.Info("record requeued", zap.Int64("id", id), zap.String("from", string(f.Status)), zap.String("to", string(to)))
	return updated, nil
}

func (uc *fileManagerUseCase) Reset(ctx context.Context, filter entity.FileFilter) (int64, error) {
	n, err := uc.repo.Reset(ctx, filter)
	if err != nil {
		return 0, err
	}
	uc.logger.Info("records reset", zap.Int64("count", n))
	return n, nil
}

func (uc *fileManagerUseCase) RefreshGauge(ctx context.Context) error {
	rows, err := uc.repo.Stats(ctx, entity.FileFilter{})
	if err != nil {
		return err
	}
	metrics.FilesByStatus.Reset()
	for _, r := range rows {
		metrics.FilesByStatus.WithLabelValues(r.Category, string(r.Status)).Set(float64(r.Count))
	}
	return nil
}
