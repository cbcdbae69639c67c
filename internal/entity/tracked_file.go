package entity

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// FileType classifies a source file by format.
type FileType string

const (
	FileTypeDocument FileType = "document" // structured XML document
	FileTypeArchive  FileType = "archive"  // zip of documents
	FileTypeSchema   FileType = "schema"   // XSD schema definition
	FileTypeOther    FileType = "other"
)

// AllFileTypes lists every file type.
var AllFileTypes = []FileType{FileTypeDocument, FileTypeArchive, FileTypeSchema, FileTypeOther}

// ParseFileType converts a string into a FileType, rejecting unknown values.
func ParseFileType(s string) (FileType, error) {
	for _, known := range AllFileTypes {
		if FileType(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown file type %q", s)
}

// FileTypeFromName derives the file type from a URL path or file name extension.
func FileTypeFromName(name string) FileType {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".xml":
		return FileTypeDocument
	case ".zip":
		return FileTypeArchive
	case ".xsd":
		return FileTypeSchema
	}
	return FileTypeOther
}

// Extension returns the canonical extension used when storing the file.
func (t FileType) Extension() string {
	switch t {
	case FileTypeDocument:
		return ".xml"
	case FileTypeArchive:
		return ".zip"
	case FileTypeSchema:
		return ".xsd"
	}
	return ".bin"
}

// SchemaIssue is one structural problem found while validating a parsed file.
type SchemaIssue struct {
	Path    string `json:"path"`
	Element string `json:"element"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const (
	IssueMissingElement = "missing_element"
	IssueUnexpectedRoot = "unexpected_root"
)

// TrackedFile mirrors the `tracked_files` table. One row per unique source URL.
type TrackedFile struct {
	ID int64 `json:"id"`

	FileURL  string `json:"file_url"`
	FileName string `json:"file_name"`
	FilePath string `json:"file_path,omitempty"`

	FileType          FileType `json:"file_type"`
	Category          string   `json:"category"`
	LegislativePeriod string   `json:"legislative_period,omitempty"`
	SubSeries         string   `json:"sub_series,omitempty"`
	Session           string   `json:"session,omitempty"`
	Number            string   `json:"number,omitempty"`

	LastModified  *time.Time `json:"last_modified,omitempty"`
	ContentLength *int64     `json:"content_length,omitempty"`
	EntityTag     string     `json:"entity_tag,omitempty"`

	SourcePageURL string `json:"source_page_url,omitempty"`
	AnchorText    string `json:"anchor_text,omitempty"`
	URLPattern    string `json:"url_pattern,omitempty"`

	Status                Status        `json:"status"`
	ErrorMessage          string        `json:"error_message,omitempty"`
	SchemaIssues          []SchemaIssue `json:"schema_issues,omitempty"`
	RecordsImported       *int          `json:"records_imported,omitempty"`
	ProcessingStartedAt   *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time    `json:"processing_completed_at,omitempty"`
	RecrawlCount          int           `json:"recrawl_count"`
	ErrorCount            int           `json:"error_count"`
	RetryAt               *time.Time    `json:"retry_at,omitempty"`

	ContentHash string `json:"content_hash,omitempty"`
	FileSize    *int64 `json:"file_size,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out snapshots.
func (f *TrackedFile) Clone() *TrackedFile {
	c := *f
	c.LastModified = cloneTime(f.LastModified)
	c.ProcessingStartedAt = cloneTime(f.ProcessingStartedAt)
	c.ProcessingCompletedAt = cloneTime(f.ProcessingCompletedAt)
	c.RetryAt = cloneTime(f.RetryAt)
	if f.ContentLength != nil {
		v := *f.ContentLength
		c.ContentLength = &v
	}
	if f.FileSize != nil {
		v := *f.FileSize
		c.FileSize = &v
	}
	if f.RecordsImported != nil {
		v := *f.RecordsImported
		c.RecordsImported = &v
	}
	if f.SchemaIssues != nil {
		c.SchemaIssues = append([]SchemaIssue(nil), f.SchemaIssues...)
	}
	return &c
}

// HasRemoteMeta reports whether any change-detection metadata is known.
func (f *TrackedFile) HasRemoteMeta() bool {
	return f.LastModified != nil || f.ContentLength != nil || f.EntityTag != ""
}

// ApplyRemoteMeta stores the metadata returned by a probe or download.
func (f *TrackedFile) ApplyRemoteMeta(m RemoteMeta) {
	f.LastModified = cloneTime(m.LastModified)
	if m.ContentLength != nil {
		v := *m.ContentLength
		f.ContentLength = &v
	} else {
		f.ContentLength = nil
	}
	f.EntityTag = m.EntityTag
}

// ResetLifecycle rewrites every non-identity field to the state of a fresh discovery.
func (f *TrackedFile) ResetLifecycle() {
	f.FilePath = ""
	f.LastModified = nil
	f.ContentLength = nil
	f.EntityTag = ""
	f.Status = StatusDiscovered
	f.ErrorMessage = ""
	f.SchemaIssues = nil
	f.RecordsImported = nil
	f.ProcessingStartedAt = nil
	f.ProcessingCompletedAt = nil
	f.RecrawlCount = 0
	f.ErrorCount = 0
	f.RetryAt = nil
	f.ContentHash = ""
	f.FileSize = nil
}

// RemoteMeta is the change-detection metadata reported by the source for one URL.
type RemoteMeta struct {
	LastModified  *time.Time
	ContentLength *int64
	EntityTag     string
}

// ListingMeta is version information shown next to a link on a listing page.
type ListingMeta struct {
	Date *time.Time
	Size *int64
	// SizeSlack is the rounding error of Size as printed, in bytes.
	SizeSlack int64
}

// NewerThan reports whether the listing advertises a different version than the one
// described by f's change-detection metadata.
func (m ListingMeta) NewerThan(f *TrackedFile) bool {
	if m.Date != nil && f.LastModified != nil && m.Date.After(*f.LastModified) {
		return true
	}
	if m.Size != nil && f.ContentLength != nil {
		diff := *m.Size - *f.ContentLength
		if diff < 0 {
			diff = -diff
		}
		return diff > m.SizeSlack
	}
	return false
}

// DiscoveredFile is what discovery knows about a URL found on a listing page.
type DiscoveredFile struct {
	FileURL           string
	FileName          string
	FileType          FileType
	Category          string
	LegislativePeriod string
	SubSeries         string
	Session           string
	Number            string
	SourcePageURL     string
	AnchorText        string
	URLPattern        string
	Listing           ListingMeta
}

// UpsertOutcome tells the caller what UpsertDiscovered did.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertRefreshed
)

// ClaimRequest describes a batch claim: up to Limit records in From move to To.
type ClaimRequest struct {
	From       Status
	To         Status
	Limit      int
	Categories []string
	FileTypes  []FileType
	// Manual allows operator-only edges such as completed -> processing.
	Manual bool
}

// FileFilter narrows Query, Reset and Stats.
type FileFilter struct {
	Statuses           []Status
	Categories         []string
	LegislativePeriods []string
	FileTypes          []FileType
	SourcePageURL      string
	Limit              int
	Offset             int
}

// Matches reports whether f passes the filter. Limit and Offset are ignored.
func (q FileFilter) Matches(f *TrackedFile) bool {
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, f.Status) {
		return false
	}
	if len(q.Categories) > 0 && !containsString(q.Categories, f.Category) {
		return false
	}
	if len(q.LegislativePeriods) > 0 && !containsString(q.LegislativePeriods, f.LegislativePeriod) {
		return false
	}
	if len(q.FileTypes) > 0 && !containsFileType(q.FileTypes, f.FileType) {
		return false
	}
	if q.SourcePageURL != "" && q.SourcePageURL != f.SourcePageURL {
		return false
	}
	return true
}

// StatusCount is one row of Stats.
type StatusCount struct {
	Category string `json:"category"`
	Status   Status `json:"status"`
	Count    int64  `json:"count"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsFileType(list []FileType, t FileType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}
