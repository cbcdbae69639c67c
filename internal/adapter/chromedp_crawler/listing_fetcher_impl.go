package chromedp_crawler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/user/portal-ingest/internal/repository"
)

// ListingFetcher renders listing pages in headless Chrome, for portals that build their
// link tables with scripts.
type ListingFetcher struct {
	allocatorPool *sync.Pool
	timeout       time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
}

// NewListingFetcher creates a fetcher with maxConcurrency pre-warmed browser allocators.
func NewListingFetcher(maxConcurrency int, pageLoadTimeout time.Duration, userAgent string, logger *zap.Logger) *ListingFetcher {
	f := &ListingFetcher{timeout: pageLoadTimeout, logger: logger}
	f.allocatorPool = &sync.Pool{
		New: func() interface{} {
			opts := append(chromedp.DefaultExecAllocatorOptions[:],
				chromedp.Flag("headless", true),
				chromedp.Flag("disable-gpu", true),
				chromedp.Flag("no-sandbox", true),
				chromedp.Flag("disable-dev-shm-usage", true),
				chromedp.UserAgent(userAgent),
			)
			allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
			f.mu.Lock()
			f.cancels = append(f.cancels, cancel)
			f.mu.Unlock()
			return allocCtx
		},
	}

	// Pre-warm the pool
	for i := 0; i < maxConcurrency; i++ {
		allocCtx := f.allocatorPool.Get().(context.Context)
		f.allocatorPool.Put(allocCtx)
	}
	return f
}

var _ repository.PageFetcher = (*ListingFetcher)(nil)

// FetchPage navigates to the page, waits for the body and returns the rendered HTML.
func (f *ListingFetcher) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	allocCtx := f.allocatorPool.Get().(context.Context)
	defer f.allocatorPool.Put(allocCtx)

	taskCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(f.logger.Sugar().Debugf))
	defer cancel()

	taskCtx, cancel = context.WithTimeout(taskCtx, f.timeout)
	defer cancel()

	// Propagate caller cancellation into the browser task.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	startTime := time.Now()
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if taskCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("render %s: %w", pageURL, repository.ErrFetchTimeout)
		}
		return nil, fmt.Errorf("render %s: %w", pageURL, err)
	}

	f.logger.Debug("rendered listing page",
		zap.String("url", pageURL),
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("bytes", len(html)),
	)
	return []byte(html), nil
}

// Close shuts down every browser started by the pool.
func (f *ListingFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cancel := range f.cancels {
		cancel()
	}
	f.cancels = nil
}
