package entity

import (
	"errors"
	"testing"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDiscovered, StatusDownloading, true},
		{StatusDiscovered, StatusSkipped, true},
		{StatusDownloadPending, StatusDownloading, true},
		{StatusDownloading, StatusPending, true},
		{StatusDownloading, StatusRecrawl, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusDiscovered, true},
		{StatusDownloading, StatusCompleted, true},
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusSchemaMismatch, true},
		{StatusProcessing, StatusImportError, true},
		{StatusRecrawl, StatusDiscovered, true},
		{StatusCompleted, StatusDownloadPending, true},

		{StatusDiscovered, StatusCompleted, false},
		{StatusDiscovered, StatusPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusCompleted, StatusPending, false},
		{StatusSchemaMismatch, StatusPending, false},
		{StatusImportError, StatusPending, false},
		{StatusFailed, StatusDiscovered, false},
		{StatusSkipped, StatusDiscovered, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestValidateManualTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusImportError, StatusPending},
		{StatusSchemaMismatch, StatusPending},
		{StatusFailed, StatusDiscovered},
		{StatusCompleted, StatusProcessing},
		{StatusSkipped, StatusDiscovered},
		{StatusCompleted, StatusDiscovered},
	}
	for _, e := range allowed {
		if err := ValidateManualTransition(e[0], e[1]); err != nil {
			t.Errorf("%s -> %s: %v", e[0], e[1], err)
		}
	}
	if err := ValidateManualTransition(StatusFailed, StatusCompleted); err == nil {
		t.Error("failed -> completed should be rejected")
	}
	if err := ValidateManualTransition("bogus", StatusDiscovered); err == nil {
		t.Error("unknown status should be rejected")
	}
}

func TestEveryStatusHasAPathOut(t *testing.T) {
	for _, s := range AllStatuses {
		if s.IsTerminal() {
			continue
		}
		if len(automaticTransitions[s]) == 0 {
			t.Errorf("non-terminal status %s has no automatic edges", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(string(s))
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStatus("done"); err == nil {
		t.Error("ParseStatus accepted an unknown value")
	}
}

func TestParseFileType(t *testing.T) {
	tests := []struct {
		in      string
		want    FileType
		wantErr bool
	}{
		{"document", FileTypeDocument, false},
		{"archive", FileTypeArchive, false},
		{"schema", FileTypeSchema, false},
		{"other", FileTypeOther, false},
		{"documnet", "", true},
		{"", "", true},
		{"Document", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFileType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFileType(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestStaleStateErrorMatches(t *testing.T) {
	var err error = &StaleStateError{ID: 7, Expected: StatusPending, Actual: StatusProcessing}
	if !errors.Is(err, ErrStaleState) {
		t.Fatal("StaleStateError does not match ErrStaleState")
	}
}

func TestFileTypeFromName(t *testing.T) {
	tests := map[string]FileType{
		"https://portal/files/Iniciativas.xml":     FileTypeDocument,
		"https://portal/files/IniciativasXV.ZIP":   FileTypeArchive,
		"/schema/Iniciativas.xsd":                  FileTypeSchema,
		"https://portal/files/report.pdf":          FileTypeOther,
		"https://portal/download.xml?session=3#ab": FileTypeDocument,
	}
	for in, want := range tests {
		if got := FileTypeFromName(in); got != want {
			t.Errorf("FileTypeFromName(%q) = %s, want %s", in, got, want)
		}
	}
}
