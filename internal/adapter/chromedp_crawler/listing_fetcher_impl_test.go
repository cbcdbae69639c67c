package chromedp_crawler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestFetchPageRendersScriptLinks(t *testing.T) {
	if os.Getenv("TEST_CHROME") == "" {
		t.Skip("skipping browser test: TEST_CHROME not set")
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html><body><div id="list"></div>
<script>document.getElementById("list").innerHTML = '<a href="/files/a.xml">A</a>';</script>
</body></html>`)
	}))
	defer srv.Close()

	f := NewListingFetcher(1, 20*time.Second, "ingest-test", zaptest.NewLogger(t))
	defer f.Close()

	body, err := f.FetchPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if !strings.Contains(string(body), `href="/files/a.xml"`) {
		t.Errorf("rendered html lacks script-built link: %s", body)
	}
}
