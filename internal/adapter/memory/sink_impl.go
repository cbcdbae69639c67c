package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

// EntitySink keeps imported entities in a map keyed on kind and key.
type EntitySink struct {
	mu       sync.Mutex
	entities map[string]map[string]entity.ImportedEntity
}

func NewEntitySink() *EntitySink {
	return &EntitySink{entities: make(map[string]map[string]entity.ImportedEntity)}
}

var _ repository.EntitySink = (*EntitySink)(nil)

// Upsert checks every reference before writing anything, so a failed call leaves the sink unchanged.
func (s *EntitySink) Upsert(_ context.Context, entities []entity.ImportedEntity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]map[string]bool)
	for _, e := range entities {
		if pending[e.Kind] == nil {
			pending[e.Kind] = make(map[string]bool)
		}
		pending[e.Kind][e.Key] = true
	}
	for _, e := range entities {
		for _, ref := range e.References {
			if _, ok := s.entities[ref.Kind][ref.Key]; ok || pending[ref.Kind][ref.Key] {
				continue
			}
			return 0, fmt.Errorf("%s %q references %s %q: %w", e.Kind, e.Key, ref.Kind, ref.Key, repository.ErrUnresolvedReference)
		}
	}

	for _, e := range entities {
		if s.entities[e.Kind] == nil {
			s.entities[e.Kind] = make(map[string]entity.ImportedEntity)
		}
		s.entities[e.Kind][e.Key] = e
	}
	return len(entities), nil
}

// Count returns how many entities of a kind are stored.
func (s *EntitySink) Count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities[kind])
}

// Get returns one stored entity.
func (s *EntitySink) Get(kind, key string) (entity.ImportedEntity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[kind][key]
	return e, ok
}
