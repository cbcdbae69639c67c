package usecase

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/pkg/config"
)

func discoverOne(t *testing.T, h *harness, href, body string, status int) *entity.TrackedFile {
	t.Helper()
	h.portal.setPage(initiativesPage, listingHTML([3]string{href, "Ficheiro", ""}))
	h.portal.setFile(href, status, body)
	if _, err := h.discovery.Run(context.Background(), DiscoveryOptions{NoCache: true}); err != nil {
		t.Fatal(err)
	}
	f, err := h.repo.GetByURL(context.Background(), h.portal.url(href))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestDownloadTransientFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	ctx := context.Background()
	f := discoverOne(t, h, "/files/a.xml", "", http.StatusServiceUnavailable)

	before := time.Now()
	report, err := h.download.Run(ctx, documentsOnly)
	if err != nil {
		t.Fatal(err)
	}
	if report.Retried != 1 || report.Claimed != 1 {
		t.Fatalf("report = %+v", report)
	}

	got := h.mustGet(t, f.ID)
	if got.Status != entity.StatusDiscovered || got.ErrorCount != 1 || got.ErrorMessage == "" {
		t.Fatalf("status=%s error_count=%d error=%q", got.Status, got.ErrorCount, got.ErrorMessage)
	}
	if got.RetryAt == nil || got.RetryAt.Before(before.Add(2*time.Second)) {
		t.Fatalf("retry_at = %v, want >= now+2s", got.RetryAt)
	}

	// Not due yet: a second run must not fetch again.
	h.download.Run(ctx, documentsOnly)
	if n := h.portal.getCount("/files/a.xml"); n != 1 {
		t.Errorf("file fetched %d times before retry_at", n)
	}
}

func TestDownloadGivesUpAfterCeiling(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	h.download.policy = RetryPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxErrors: 2}
	ctx := context.Background()
	f := discoverOne(t, h, "/files/a.xml", "", http.StatusInternalServerError)

	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		if _, err := h.download.Run(ctx, documentsOnly); err != nil {
			t.Fatal(err)
		}
	}
	got := h.mustGet(t, f.ID)
	if got.Status != entity.StatusFailed || got.ErrorCount != 3 || got.RetryAt != nil {
		t.Fatalf("status=%s error_count=%d retry_at=%v", got.Status, got.ErrorCount, got.RetryAt)
	}
	if got.ErrorMessage == "" {
		t.Error("failed record has no error message")
	}
}

func TestDownloadSkipsExcludedTypesWithoutFetching(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	ctx := context.Background()
	f := discoverOne(t, h, "/files/a.zip", "PK", http.StatusOK)

	report, err := h.download.Run(ctx, documentsOnly)
	if err != nil {
		t.Fatal(err)
	}
	got := h.mustGet(t, f.ID)
	if report.Skipped != 1 || got.Status != entity.StatusSkipped || got.ErrorMessage == "" {
		t.Fatalf("report=%+v status=%s", report, got.Status)
	}
	if n := h.portal.getCount("/files/a.zip"); n != 0 {
		t.Errorf("excluded file fetched %d times", n)
	}
}

func TestDownloadAllFileTypes(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	f := discoverOne(t, h, "/files/a.zip", "PK", http.StatusOK)

	if _, err := h.download.Run(context.Background(), DownloadOptions{AllFileTypes: true, BatchSize: 5}); err != nil {
		t.Fatal(err)
	}
	got := h.mustGet(t, f.ID)
	if got.Status != entity.StatusPending || got.FileSize == nil || *got.FileSize != 2 {
		t.Fatalf("status=%s size=%v", got.Status, got.FileSize)
	}
}

func TestListingChangeSignalAndProbe(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()
	body := initiativesXMLWith(3)
	f := discoverOne(t, h, "/files/a.xml", body, http.StatusOK)
	h.download.Run(ctx, documentsOnly)
	h.importer.Run(ctx, ImportOptions{})
	if got := h.mustGet(t, f.ID); got.Status != entity.StatusCompleted {
		t.Fatalf("setup: status=%s err=%q", got.Status, got.ErrorMessage)
	}

	// The listing now shows a later date than the file's Last-Modified.
	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/a.xml", "Ficheiro", "2026-03-05"}))
	report, err := h.discovery.Run(ctx, DiscoveryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if report.ChangeSignals != 1 || h.mustGet(t, f.ID).Status != entity.StatusDownloadPending {
		t.Fatalf("report=%+v status=%s", report, h.mustGet(t, f.ID).Status)
	}

	// The server still has the same version: the conditional probe avoids a download.
	gets := h.portal.getCount("/files/a.xml")
	dr, err := h.download.Run(ctx, documentsOnly)
	if err != nil {
		t.Fatal(err)
	}
	got := h.mustGet(t, f.ID)
	if dr.Unchanged != 1 || got.Status != entity.StatusCompleted || *got.RecordsImported != 3 {
		t.Fatalf("report=%+v status=%s", dr, got.Status)
	}
	if n := h.portal.getCount("/files/a.xml"); n != gets {
		t.Errorf("unchanged file downloaded again")
	}

	// A real change is downloaded and goes back to import.
	h.portal.setFile("/files/a.xml", http.StatusOK, initiativesXMLWith(4))
	h.portal.setPage(initiativesPage, listingHTML([3]string{"/files/a.xml", "Ficheiro", "2026-03-06"}))
	h.discovery.Run(ctx, DiscoveryOptions{})
	h.download.Run(ctx, documentsOnly)
	got = h.mustGet(t, f.ID)
	if got.Status != entity.StatusPending || got.ContentHash == f.ContentHash {
		t.Fatalf("after change: status=%s", got.Status)
	}
	h.importer.Run(ctx, ImportOptions{})
	if got := h.mustGet(t, f.ID); got.Status != entity.StatusCompleted || *got.RecordsImported != 4 {
		t.Fatalf("after reimport: status=%s records=%v", got.Status, got.RecordsImported)
	}
}

func TestForcedRedownloadOfIdenticalContentStaysCompleted(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, []config.SchemaConfig{initiativesSchemaConfig}, nil)
	ctx := context.Background()
	f := discoverOne(t, h, "/files/a.xml", initiativesXMLWith(2), http.StatusOK)
	h.download.Run(ctx, documentsOnly)
	h.importer.Run(ctx, ImportOptions{})

	if _, err := h.repo.Transition(ctx, f.ID, entity.StatusCompleted, entity.StatusDownloadPending, nil); err != nil {
		t.Fatal(err)
	}
	opts := documentsOnly
	opts.Force = true
	report, err := h.download.Run(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if report.Duplicates != 1 || h.mustGet(t, f.ID).Status != entity.StatusCompleted {
		t.Fatalf("report=%+v status=%s", report, h.mustGet(t, f.ID).Status)
	}
}

func TestConcurrentDownloadersFetchEachFileOnce(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	ctx := context.Background()

	var rows [][3]string
	for i := 0; i < 20; i++ {
		href := "/files/f" + string(rune('a'+i)) + ".xml"
		rows = append(rows, [3]string{href, href, ""})
		h.portal.setFile(href, http.StatusOK, "<x>"+href+"</x>")
	}
	h.portal.setPage(initiativesPage, listingHTML(rows...))
	h.discovery.Run(ctx, DiscoveryOptions{})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := documentsOnly
			opts.BatchSize = 2
			h.download.Run(ctx, opts)
		}()
	}
	wg.Wait()

	for _, r := range rows {
		if n := h.portal.getCount(r[0]); n != 1 {
			t.Errorf("%s fetched %d times", r[0], n)
		}
	}
	for _, f := range h.all(t) {
		if f.Status != entity.StatusPending {
			t.Errorf("%s: status %s", f.FileURL, f.Status)
		}
	}
}

func TestDownloadReleasesClaimsOnStop(t *testing.T) {
	h := newHarness(t, []config.CategoryConfig{initiativesCategory}, nil, nil)
	f := discoverOne(t, h, "/files/a.xml", "<x/>", http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := h.download.RunBatch(ctx, documentsOnly)
	if err != nil {
		t.Fatal(err)
	}
	if report.Claimed != 1 || report.Released != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := h.mustGet(t, f.ID); got.Status != entity.StatusDiscovered || got.RetryAt != nil {
		t.Errorf("status=%s retry_at=%v", got.Status, got.RetryAt)
	}
	if n := h.portal.getCount("/files/a.xml"); n != 0 {
		t.Errorf("fetched %d times after stop", n)
	}
}
