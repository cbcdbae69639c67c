package repository

import (
	"context"
	"time"

	"github.com/user/portal-ingest/internal/entity"
)

// Mutation edits the fields of a record inside a transition. It must not touch Status or ID.
type Mutation func(f *entity.TrackedFile)

// TrackedFileRepository is the Status Store: the only shared mutable state of the pipeline.
// Every status change is a compare-and-swap keyed on (id, expected status).
type TrackedFileRepository interface {
	// UpsertDiscovered inserts a new record in discovered, or refreshes classification and
	// recovery metadata of the existing record for the same URL. It never changes status.
	UpsertDiscovered(ctx context.Context, d *entity.DiscoveredFile) (*entity.TrackedFile, entity.UpsertOutcome, error)
	// ClaimBatch atomically moves up to req.Limit due records from req.From to req.To.
	ClaimBatch(ctx context.Context, req entity.ClaimRequest) ([]*entity.TrackedFile, error)
	// Transition moves a record from one status to another along an automatic edge.
	// It returns *entity.StaleStateError if the record is no longer in from.
	Transition(ctx context.Context, id int64, from, to entity.Status, apply Mutation) (*entity.TrackedFile, error)
	// ManualTransition is Transition for operator-requested edges.
	ManualTransition(ctx context.Context, id int64, from, to entity.Status, apply Mutation) (*entity.TrackedFile, error)
	// Update edits fields of a record without changing its status, guarded by status.
	Update(ctx context.Context, id int64, status entity.Status, apply Mutation) (*entity.TrackedFile, error)

	Get(ctx context.Context, id int64) (*entity.TrackedFile, error)
	GetByURL(ctx context.Context, fileURL string) (*entity.TrackedFile, error)
	Query(ctx context.Context, filter entity.FileFilter) ([]*entity.TrackedFile, error)
	Stats(ctx context.Context, filter entity.FileFilter) ([]entity.StatusCount, error)
	// CountNonTerminal counts records of a category that still have pipeline work ahead.
	CountNonTerminal(ctx context.Context, category string) (int64, error)

	// ReleaseStale hands back claims whose processing started before olderThan:
	// downloading -> discovered and processing -> pending.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int64, error)
	// Reset rewrites matching records to the initial discovered state without deleting them.
	Reset(ctx context.Context, filter entity.FileFilter) (int64, error)
}
