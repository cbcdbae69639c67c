package entity

// ImportedEntity is one mapped business record handed to the sink. The sink treats
// Fields as opaque; Kind and Key identify the record for upserts.
type ImportedEntity struct {
	Kind         string
	Key          string
	Fields       map[string]string
	References   []EntityRef
	SourceFileID int64
}

// EntityRef points at a record of another kind that must already exist in the sink.
type EntityRef struct {
	Kind string
	Key  string
}
