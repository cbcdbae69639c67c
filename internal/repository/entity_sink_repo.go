package repository

import (
	"context"
	"errors"

	"github.com/user/portal-ingest/internal/entity"
)

// ErrUnresolvedReference is returned when an entity points at a record the sink does not hold.
var ErrUnresolvedReference = errors.New("unresolved entity reference")

// EntitySink receives mapped entities. Upserts are keyed on (Kind, Key) so reimports are idempotent.
type EntitySink interface {
	// Upsert writes all entities atomically and returns how many were written.
	Upsert(ctx context.Context, entities []entity.ImportedEntity) (int, error)
}
