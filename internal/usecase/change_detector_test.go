package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/user/portal-ingest/internal/adapter/http_source"
	"github.com/user/portal-ingest/internal/entity"
)

func int64p(v int64) *int64 { return &v }

func TestChangeDetectorCheck(t *testing.T) {
	lastMod := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	later := lastMod.Add(time.Hour)

	tests := []struct {
		name    string
		known   *entity.TrackedFile
		handler http.HandlerFunc
		want    ChangeResult
	}{
		{
			name:  "not modified",
			known: &entity.TrackedFile{EntityTag: `"v1"`},
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("If-None-Match") == `"v1"` {
					w.WriteHeader(http.StatusNotModified)
				}
			},
			want: ChangeUnchanged,
		},
		{
			name:  "same validators without 304",
			known: &entity.TrackedFile{LastModified: &lastMod, ContentLength: int64p(0)},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Last-Modified", lastMod.Format(http.TimeFormat))
				w.Header().Set("Content-Length", "0")
			},
			want: ChangeUnchanged,
		},
		{
			name:  "newer last modified",
			known: &entity.TrackedFile{LastModified: &lastMod},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Last-Modified", later.Format(http.TimeFormat))
			},
			want: ChangeChanged,
		},
		{
			name:  "different etag",
			known: &entity.TrackedFile{EntityTag: `"v1"`},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("ETag", `"v2"`)
			},
			want: ChangeChanged,
		},
		{
			name:  "probe fails",
			known: &entity.TrackedFile{EntityTag: `"v1"`},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: ChangeUnknown,
		},
		{
			name:  "no known metadata",
			known: &entity.TrackedFile{},
			handler: func(w http.ResponseWriter, r *http.Request) {
				t.Error("probe issued without metadata to compare")
			},
			want: ChangeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			d := NewChangeDetector(http_source.NewSource(http_source.Options{ProbeTimeout: time.Second}), zaptest.NewLogger(t))
			tt.known.FileURL = srv.URL + "/a.xml"
			got, _ := d.Check(context.Background(), tt.known)
			if got != tt.want {
				t.Errorf("Check = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCompareMetaWithoutCommonValidators(t *testing.T) {
	known := entity.RemoteMeta{EntityTag: `"v1"`}
	remote := entity.RemoteMeta{ContentLength: int64p(10)}
	if got := compareMeta(known, remote); got != ChangeUnknown {
		t.Errorf("compareMeta = %s, want unknown", got)
	}
}
