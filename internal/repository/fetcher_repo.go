package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/user/portal-ingest/internal/entity"
)

var (
	ErrFetchTimeout = errors.New("fetch timed out")
	ErrMoved        = errors.New("resource moved or gone")
	ErrCircuitOpen  = errors.New("source circuit breaker open")
)

// HTTPError is returned for non-2xx responses from the source portal.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
}

// Is makes 404 and 410 responses match ErrMoved.
func (e *HTTPError) Is(target error) bool {
	return target == ErrMoved && (e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

// PageFetcher retrieves listing pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) ([]byte, error)
}

// FetchResult is an open download. The caller must close Body.
type FetchResult struct {
	Body io.ReadCloser
	Meta entity.RemoteMeta
}

// ProbeResult is the outcome of a metadata-only request.
type ProbeResult struct {
	NotModified bool
	Meta        entity.RemoteMeta
}

// FileFetcher downloads source files and probes their metadata.
type FileFetcher interface {
	Fetch(ctx context.Context, fileURL string) (*FetchResult, error)
	// Probe issues a conditional metadata request using the known values as validators.
	Probe(ctx context.Context, fileURL string, known entity.RemoteMeta) (*ProbeResult, error)
}
