package http_source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

func TestFetchReturnsBodyAndMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); got != "ingest-test" {
			t.Errorf("User-Agent = %q", got)
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Mar 2026 10:00:00 GMT")
		io.WriteString(w, "<Root/>")
	}))
	defer srv.Close()

	src := NewSource(Options{UserAgent: "ingest-test", FileTimeout: time.Second})
	res, err := src.Fetch(context.Background(), srv.URL+"/a.xml")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()

	if string(body) != "<Root/>" {
		t.Errorf("body = %q", body)
	}
	if res.Meta.EntityTag != `"v1"` || res.Meta.LastModified == nil || res.Meta.ContentLength == nil || *res.Meta.ContentLength != 7 {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestFetchErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		moved   bool
		wantErr bool
	}{
		{"not found", http.StatusNotFound, true, true},
		{"gone", http.StatusGone, true, true},
		{"server error", http.StatusBadGateway, false, true},
		{"forbidden", http.StatusForbidden, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewSource(Options{}).Fetch(context.Background(), srv.URL)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, repository.ErrMoved); got != tt.moved {
				t.Errorf("errors.Is(ErrMoved) = %v, want %v (%v)", got, tt.moved, err)
			}
			var httpErr *repository.HTTPError
			if !errors.As(err, &httpErr) || httpErr.StatusCode != tt.status {
				t.Errorf("err = %v, want HTTPError %d", err, tt.status)
			}
		})
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewSource(Options{FileTimeout: 50 * time.Millisecond}).Fetch(context.Background(), srv.URL)
	if !errors.Is(err, repository.ErrFetchTimeout) {
		t.Fatalf("err = %v, want ErrFetchTimeout", err)
	}
}

func TestProbeConditional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v2"`)
	}))
	defer srv.Close()

	src := NewSource(Options{ProbeTimeout: time.Second})
	res, err := src.Probe(context.Background(), srv.URL, entity.RemoteMeta{EntityTag: `"v1"`})
	if err != nil || !res.NotModified {
		t.Fatalf("Probe with current etag = %+v, %v", res, err)
	}

	res, err = src.Probe(context.Background(), srv.URL, entity.RemoteMeta{EntityTag: `"v0"`})
	if err != nil || res.NotModified || res.Meta.EntityTag != `"v2"` {
		t.Fatalf("Probe with old etag = %+v, %v", res, err)
	}
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	src := NewSource(Options{Breaker: NewBreaker("test", 1, time.Minute, time.Minute, 3, 0.5)})
	for i := 0; i < 3; i++ {
		src.Fetch(context.Background(), srv.URL)
	}
	_, err := src.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, repository.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestBreakerIgnoresMovedResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewSource(Options{Breaker: NewBreaker("test", 1, time.Minute, time.Minute, 2, 0.5)})
	for i := 0; i < 5; i++ {
		_, err := src.Fetch(context.Background(), srv.URL)
		if !errors.Is(err, repository.ErrMoved) {
			t.Fatalf("attempt %d: err = %v, want ErrMoved", i, err)
		}
	}
}

func TestRateLimitSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	src := NewSource(Options{MinDelay: 40 * time.Millisecond})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := src.FetchPage(context.Background(), srv.URL); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 requests took %v, want >= 80ms", elapsed)
	}
}
