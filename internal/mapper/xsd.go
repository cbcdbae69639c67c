package mapper

import (
	"fmt"

	"github.com/user/portal-ingest/internal/entity"
)

// SchemaDefinitionKind is the entity kind written for top-level XSD element declarations.
const SchemaDefinitionKind = "schema_element"

// xsdMapper records the top-level elements declared by a published XSD so format changes
// upstream show up in the sink.
type xsdMapper struct {
	category string
}

func (m xsdMapper) Validate(doc *Document) []entity.SchemaIssue {
	var issues []entity.SchemaIssue
	for _, p := range doc.Parts {
		if p.Root.Name != "schema" {
			issues = append(issues, entity.SchemaIssue{
				Path:    partPath(p, ""),
				Element: "schema",
				Kind:    entity.IssueUnexpectedRoot,
				Message: fmt.Sprintf("root element is %s, expected schema", p.Root.Name),
			})
		}
	}
	return issues
}

func (m xsdMapper) Map(doc *Document, sourceFileID int64) (*Result, error) {
	res := &Result{}
	for _, p := range doc.Parts {
		for i, el := range p.Root.All("element") {
			name := el.Attrs["name"]
			if name == "" {
				res.Anomalies = append(res.Anomalies, Anomaly{Part: p.Name, Index: i, Message: "element declaration without name"})
				continue
			}
			res.Entities = append(res.Entities, entity.ImportedEntity{
				Kind: SchemaDefinitionKind,
				Key:  m.category + "/" + name,
				Fields: map[string]string{
					"category": m.category,
					"name":     name,
					"type":     el.Attrs["type"],
				},
				SourceFileID: sourceFileID,
			})
		}
	}
	return res, nil
}
