package mapper

import (
	"fmt"
	"strings"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/pkg/config"
)

const maxIssues = 50

// Anomaly is a record-level data problem that did not stop the import.
type Anomaly struct {
	Part    string
	Index   int
	Message string
}

// Result is the output of Map.
type Result struct {
	Entities  []entity.ImportedEntity
	Anomalies []Anomaly
}

// Mapper validates and maps the documents of one category.
type Mapper interface {
	// Validate reports structural problems. A non-empty result means the file does not
	// have the shape the mapper expects and must not be mapped.
	Validate(doc *Document) []entity.SchemaIssue
	Map(doc *Document, sourceFileID int64) (*Result, error)
}

// SchemaMapper is a declarative mapper built from a schema section of the configuration.
// Each field is read from exactly one source element; there are no fallbacks.
type SchemaMapper struct {
	cfg     config.SchemaConfig
	parent  []string
	element string
}

// NewSchemaMapper checks the schema section and builds its mapper.
func NewSchemaMapper(cfg config.SchemaConfig) (*SchemaMapper, error) {
	if cfg.Kind == "" || cfg.Root == "" || cfg.RecordPath == "" || cfg.Key == "" {
		return nil, fmt.Errorf("schema %s: kind, root, record_path and key are required", cfg.Category)
	}
	cfg.Fields = append([]config.FieldConfig(nil), cfg.Fields...)
	targets := make(map[string]bool)
	for i, f := range cfg.Fields {
		if f.Source == "" {
			return nil, fmt.Errorf("schema %s: field %d has no source", cfg.Category, i)
		}
		if f.Target == "" {
			cfg.Fields[i].Target = f.Source
		}
		if targets[cfg.Fields[i].Target] {
			return nil, fmt.Errorf("schema %s: target %q mapped twice", cfg.Category, cfg.Fields[i].Target)
		}
		targets[cfg.Fields[i].Target] = true
	}
	for _, r := range cfg.References {
		if !targets[r.Field] || r.Kind == "" {
			return nil, fmt.Errorf("schema %s: reference %q must name a mapped field and a kind", cfg.Category, r.Field)
		}
	}

	segs := strings.Split(strings.Trim(cfg.RecordPath, "/"), "/")
	return &SchemaMapper{
		cfg:     cfg,
		parent:  segs[:len(segs)-1],
		element: segs[len(segs)-1],
	}, nil
}

// records returns the record elements of a part, or the path step that is missing.
func (m *SchemaMapper) records(root *Node) ([]*Node, string, bool) {
	cur := root
	at := root.Name
	for _, seg := range m.parent {
		cur = cur.Child(seg)
		if cur == nil {
			return nil, at + "/" + seg, false
		}
		at += "/" + seg
	}
	return cur.All(m.element), at, true
}

func (m *SchemaMapper) Validate(doc *Document) []entity.SchemaIssue {
	var issues []entity.SchemaIssue
	add := func(is entity.SchemaIssue) bool {
		issues = append(issues, is)
		return len(issues) < maxIssues
	}

	for _, part := range doc.Parts {
		if part.Root.Name != m.cfg.Root {
			if !add(entity.SchemaIssue{
				Path:    partPath(part, ""),
				Element: m.cfg.Root,
				Kind:    entity.IssueUnexpectedRoot,
				Message: fmt.Sprintf("root element is %s, expected %s", part.Root.Name, m.cfg.Root),
			}) {
				return issues
			}
			continue
		}

		recs, at, ok := m.records(part.Root)
		if !ok {
			missing := at[strings.LastIndex(at, "/")+1:]
			if !add(entity.SchemaIssue{
				Path:    partPath(part, at[:strings.LastIndex(at, "/")]),
				Element: missing,
				Kind:    entity.IssueMissingElement,
				Message: fmt.Sprintf("required element %s is missing", at),
			}) {
				return issues
			}
			continue
		}

		for i, rec := range recs {
			recPath := fmt.Sprintf("%s/%s[%d]", at, m.element, i)
			for _, name := range m.requiredSources() {
				if _, ok := rec.Lookup(name); ok {
					continue
				}
				if !add(entity.SchemaIssue{
					Path:    partPath(part, recPath),
					Element: name,
					Kind:    entity.IssueMissingElement,
					Message: fmt.Sprintf("required element %s is missing in %s", name, recPath),
				}) {
					return issues
				}
			}
		}
	}
	return issues
}

// requiredSources is the key followed by every required field source.
func (m *SchemaMapper) requiredSources() []string {
	out := []string{m.cfg.Key}
	for _, f := range m.cfg.Fields {
		if f.Required && f.Source != m.cfg.Key {
			out = append(out, f.Source)
		}
	}
	return out
}

func (m *SchemaMapper) Map(doc *Document, sourceFileID int64) (*Result, error) {
	res := &Result{}
	for _, part := range doc.Parts {
		recs, at, ok := m.records(part.Root)
		if !ok || part.Root.Name != m.cfg.Root {
			return nil, fmt.Errorf("map %s: record path %s not found", m.cfg.Category, at)
		}
		for i, rec := range recs {
			key, _ := rec.Lookup(m.cfg.Key)
			if key == "" {
				res.Anomalies = append(res.Anomalies, Anomaly{
					Part:    part.Name,
					Index:   i,
					Message: fmt.Sprintf("%s record has an empty %s", m.element, m.cfg.Key),
				})
				continue
			}

			e := entity.ImportedEntity{
				Kind:         m.cfg.Kind,
				Key:          key,
				Fields:       make(map[string]string, len(m.cfg.Fields)),
				SourceFileID: sourceFileID,
			}
			for _, f := range m.cfg.Fields {
				if v, ok := rec.Lookup(f.Source); ok {
					e.Fields[f.Target] = v
				}
			}
			for _, r := range m.cfg.References {
				if v := e.Fields[r.Field]; v != "" {
					e.References = append(e.References, entity.EntityRef{Kind: r.Kind, Key: v})
				}
			}
			res.Entities = append(res.Entities, e)
		}
	}
	return res, nil
}

func partPath(p Part, at string) string {
	if p.Name == "" {
		return at
	}
	if at == "" {
		return p.Name
	}
	return p.Name + ":" + at
}
