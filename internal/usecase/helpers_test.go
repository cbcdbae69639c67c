package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/user/portal-ingest/internal/adapter/filestore"
	"github.com/user/portal-ingest/internal/adapter/http_source"
	"github.com/user/portal-ingest/internal/adapter/memory"
	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/mapper"
	"github.com/user/portal-ingest/pkg/config"
)

var portalLastModified = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type portalFile struct {
	status int
	body   string
}

// fakePortal serves listing pages and files keyed on request URI and counts GETs.
type fakePortal struct {
	mu    sync.Mutex
	pages map[string]string
	files map[string]portalFile
	gets  map[string]int
	heads map[string]int
	srv   *httptest.Server
}

func newFakePortal(t *testing.T) *fakePortal {
	p := &fakePortal{
		pages: make(map[string]string),
		files: make(map[string]portalFile),
		gets:  make(map[string]int),
		heads: make(map[string]int),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePortal) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	uri := r.URL.RequestURI()
	page, isPage := p.pages[uri]
	file, isFile := p.files[uri]
	if r.Method == http.MethodHead {
		p.heads[uri]++
	} else {
		p.gets[uri]++
	}
	p.mu.Unlock()

	switch {
	case isPage:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	case isFile && file.status != 0 && file.status != http.StatusOK:
		w.WriteHeader(file.status)
	case isFile:
		sum := sha256.Sum256([]byte(file.body))
		etag := `"` + hex.EncodeToString(sum[:8]) + `"`
		w.Header().Set("ETag", etag)
		w.Header().Set("Last-Modified", portalLastModified.Format(http.TimeFormat))
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(file.body)))
		if r.Method != http.MethodHead {
			fmt.Fprint(w, file.body)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakePortal) setPage(uri, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pages[uri] = html
}

func (p *fakePortal) setFile(uri string, status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[uri] = portalFile{status: status, body: body}
}

func (p *fakePortal) getCount(uri string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets[uri]
}

func (p *fakePortal) url(uri string) string {
	return p.srv.URL + uri
}

// listingHTML renders a listing table. Each row is href, anchor text and an optional date cell.
func listingHTML(rows ...[3]string) string {
	var b strings.Builder
	b.WriteString(`<html><body><nav><a href="/">Home</a></nav><table>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td><a href="%s">%s</a></td><td>%s</td></tr>`, r[0], r[1], r[2])
	}
	b.WriteString(`</table></body></html>`)
	return b.String()
}

func initiativesXMLWith(n int) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ArrayOfIniciativa><Iniciativas>`)
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `<Iniciativa><IniId>%d</IniId><IniTitulo>Iniciativa %d</IniTitulo></Iniciativa>`, i, i)
	}
	b.WriteString(`</Iniciativas></ArrayOfIniciativa>`)
	return b.String()
}

var initiativesSchemaConfig = config.SchemaConfig{
	Category:   "initiatives",
	Kind:       "initiative",
	Root:       "ArrayOfIniciativa",
	RecordPath: "Iniciativas/Iniciativa",
	Key:        "IniId",
	Fields:     []config.FieldConfig{{Source: "IniTitulo", Target: "title", Required: true}},
}

type harness struct {
	portal    *fakePortal
	repo      *memory.TrackedFileStore
	sink      *memory.EntitySink
	store     *filestore.FileStore
	mappers   *mapper.Registry
	discovery *DiscoveryService
	download  *DownloadManager
	importer  *ImportProcessor
}

func newHarness(t *testing.T, categories []config.CategoryConfig, schemas []config.SchemaConfig, order []string) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	portal := newFakePortal(t)

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mappers, err := mapper.NewRegistryFromConfig(schemas)
	if err != nil {
		t.Fatal(err)
	}
	src := http_source.NewSource(http_source.Options{
		PageTimeout:  2 * time.Second,
		FileTimeout:  2 * time.Second,
		ProbeTimeout: 2 * time.Second,
	})

	h := &harness{
		portal:  portal,
		repo:    memory.NewTrackedFileStore(),
		sink:    memory.NewEntitySink(),
		store:   store,
		mappers: mappers,
	}
	h.discovery, err = NewDiscoveryService(h.repo, src, memory.NewListingCache(time.Hour), config.SourceConfig{
		BaseURL:    portal.srv.URL,
		Periods:    []string{"XV"},
		Categories: categories,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}
	h.download = NewDownloadManager(h.repo, src, store, NewChangeDetector(src, logger),
		RetryPolicy{Base: time.Second, Cap: 120 * time.Second, MaxErrors: 3}, logger)
	h.importer = NewImportProcessor(h.repo, store, mappers, h.sink, order, logger)
	return h
}

var initiativesCategory = config.CategoryConfig{Name: "initiatives", ListingPath: "/list/{category}?period={period}"}

const initiativesPage = "/list/initiatives?period=XV"

// seedPending stores body and walks a new record to pending without the network.
func (h *harness) seedPending(t *testing.T, fileURL, category, body string) *entity.TrackedFile {
	t.Helper()
	ctx := context.Background()
	f, _, err := h.repo.UpsertDiscovered(ctx, &entity.DiscoveredFile{
		FileURL:  fileURL,
		FileName: fileURL[strings.LastIndex(fileURL, "/")+1:],
		FileType: entity.FileTypeDocument,
		Category: category,
	})
	if err != nil {
		t.Fatal(err)
	}
	obj, err := h.store.Put(ctx, strings.NewReader(body), ".xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.repo.Transition(ctx, f.ID, entity.StatusDiscovered, entity.StatusDownloading, nil); err != nil {
		t.Fatal(err)
	}
	f, err = h.repo.Transition(ctx, f.ID, entity.StatusDownloading, entity.StatusPending, func(nf *entity.TrackedFile) {
		nf.FilePath = obj.Path
		nf.ContentHash = obj.Hash
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (h *harness) mustGet(t *testing.T, id int64) *entity.TrackedFile {
	t.Helper()
	f, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (h *harness) all(t *testing.T) []*entity.TrackedFile {
	t.Helper()
	files, err := h.repo.Query(context.Background(), entity.FileFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return files
}

var documentsOnly = DownloadOptions{FileTypes: []entity.FileType{entity.FileTypeDocument}, BatchSize: 10}

// walk moves a record along automatic edges; apply runs on the last step.
func walk(t *testing.T, repo *memory.TrackedFileStore, id int64, apply func(*entity.TrackedFile), path ...entity.Status) {
	t.Helper()
	ctx := context.Background()
	f, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	from := f.Status
	for i, to := range path {
		var m func(*entity.TrackedFile)
		if i == len(path)-1 {
			m = apply
		}
		if _, err := repo.Transition(ctx, id, from, to, m); err != nil {
			t.Fatalf("walk %s -> %s: %v", from, to, err)
		}
		from = to
	}
}
