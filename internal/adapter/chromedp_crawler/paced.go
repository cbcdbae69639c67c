package chromedp_crawler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/portal-ingest/internal/repository"
)

// PacedFetcher spaces page fetches at least minDelay apart across all callers.
type PacedFetcher struct {
	next    repository.PageFetcher
	limiter *rate.Limiter
}

// NewPacedFetcher wraps next; a zero minDelay disables pacing.
func NewPacedFetcher(next repository.PageFetcher, minDelay time.Duration) *PacedFetcher {
	limit := rate.Inf
	if minDelay > 0 {
		limit = rate.Every(minDelay)
	}
	return &PacedFetcher{next: next, limiter: rate.NewLimiter(limit, 1)}
}

var _ repository.PageFetcher = (*PacedFetcher)(nil)

func (f *PacedFetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return f.next.FetchPage(ctx, pageURL)
}
