package mapper

import (
	"fmt"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/pkg/config"
)

// Registry resolves the mapper for a tracked file.
type Registry struct {
	byCategory map[string]Mapper
}

func NewRegistry() *Registry {
	return &Registry{byCategory: make(map[string]Mapper)}
}

// NewRegistryFromConfig builds a SchemaMapper for every configured schema.
func NewRegistryFromConfig(schemas []config.SchemaConfig) (*Registry, error) {
	r := NewRegistry()
	for _, s := range schemas {
		m, err := NewSchemaMapper(s)
		if err != nil {
			return nil, err
		}
		if err := r.Register(s.Category, m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(category string, m Mapper) error {
	if _, dup := r.byCategory[category]; dup {
		return fmt.Errorf("mapper for category %s registered twice", category)
	}
	r.byCategory[category] = m
	return nil
}

// Lookup returns the mapper for a category and file type. Schema definitions of every
// category share one mapper.
func (r *Registry) Lookup(category string, ft entity.FileType) (Mapper, bool) {
	if ft == entity.FileTypeSchema {
		return xsdMapper{category: category}, true
	}
	m, ok := r.byCategory[category]
	return m, ok
}
