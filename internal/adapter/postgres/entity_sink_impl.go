package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

const foreignKeyViolation = "23503"

// EntitySinkImpl upserts mapped entities into the generic imported_entities table.
type EntitySinkImpl struct {
	db *pgxpool.Pool
}

// NewEntitySink creates a new instance of EntitySinkImpl.
func NewEntitySink(db *pgxpool.Pool) *EntitySinkImpl {
	return &EntitySinkImpl{db: db}
}

var _ repository.EntitySink = (*EntitySinkImpl)(nil)

// Upsert writes entities and their references in one transaction. A reference to a record
// that is neither stored nor part of this call fails the whole call.
func (s *EntitySinkImpl) Upsert(ctx context.Context, entities []entity.ImportedEntity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range entities {
		fields, err := json.Marshal(e.Fields)
		if err != nil {
			return 0, fmt.Errorf("encode %s %q: %w", e.Kind, e.Key, err)
		}
		var sourceID *int64
		if e.SourceFileID > 0 {
			id := e.SourceFileID
			sourceID = &id
		}
		batch.Queue(`
			INSERT INTO imported_entities (kind, natural_key, fields, source_file_id, imported_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (kind, natural_key) DO UPDATE SET
				fields = EXCLUDED.fields,
				source_file_id = EXCLUDED.source_file_id,
				imported_at = EXCLUDED.imported_at`,
			e.Kind, e.Key, fields, sourceID)
		batch.Queue(`DELETE FROM entity_references WHERE kind = $1 AND natural_key = $2`, e.Kind, e.Key)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("upsert entities: %w", err)
	}

	refs := &pgx.Batch{}
	for _, e := range entities {
		for _, ref := range e.References {
			refs.Queue(`
				INSERT INTO entity_references (kind, natural_key, ref_kind, ref_key)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT DO NOTHING`,
				e.Kind, e.Key, ref.Kind, ref.Key)
		}
	}
	if refs.Len() > 0 {
		if err := tx.SendBatch(ctx, refs).Close(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
				return 0, fmt.Errorf("%s: %w", pgErr.Detail, repository.ErrUnresolvedReference)
			}
			return 0, fmt.Errorf("write entity references: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(entities), nil
}
