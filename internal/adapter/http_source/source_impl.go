package http_source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/user/portal-ingest/internal/entity"
	"github.com/user/portal-ingest/internal/repository"
)

const maxListingBytes = 32 << 20

// Options configures a Source.
type Options struct {
	UserAgent string
	// MinDelay is the minimum gap between two requests issued by this Source.
	MinDelay     time.Duration
	PageTimeout  time.Duration
	FileTimeout  time.Duration
	ProbeTimeout time.Duration
	Breaker      *gobreaker.CircuitBreaker
	Client       *http.Client
}

// Source talks to the publication portal over plain HTTP. One Source is one rate-limited
// client; discovery and download each get their own.
type Source struct {
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	opts    Options
}

// NewSource creates a Source. A zero MinDelay disables rate limiting.
func NewSource(opts Options) *Source {
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	limit := rate.Inf
	if opts.MinDelay > 0 {
		limit = rate.Every(opts.MinDelay)
	}
	return &Source{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		breaker: opts.Breaker,
		opts:    opts,
	}
}

// NewBreaker builds the circuit breaker shared by requests to the source host. Moved
// resources are answers from a healthy server and do not count as failures.
func NewBreaker(name string, maxHalfOpen uint32, interval, timeout time.Duration, minRequests uint32, failureRate float64) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: maxHalfOpen,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= failureRate
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, repository.ErrMoved)
		},
	})
}

var (
	_ repository.PageFetcher = (*Source)(nil)
	_ repository.FileFetcher = (*Source)(nil)
)

// FetchPage downloads a listing page.
func (s *Source) FetchPage(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.opts.PageTimeout)
	defer cancel()

	resp, err := s.do(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, classify(ctx, fmt.Errorf("read listing %s: %w", pageURL, err))
	}
	return body, nil
}

// Fetch opens a download. The timeout covers reading the body, so it is released on Close.
func (s *Source) Fetch(ctx context.Context, fileURL string) (*repository.FetchResult, error) {
	ctx, cancel := withTimeout(ctx, s.opts.FileTimeout)

	resp, err := s.do(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	return &repository.FetchResult{
		Body: &cancelOnClose{ReadCloser: resp.Body, cancel: cancel, ctx: ctx},
		Meta: metaFromResponse(resp),
	}, nil
}

// Probe issues a conditional HEAD request.
func (s *Source) Probe(ctx context.Context, fileURL string, known entity.RemoteMeta) (*repository.ProbeResult, error) {
	ctx, cancel := withTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	header := http.Header{}
	if known.EntityTag != "" {
		header.Set("If-None-Match", known.EntityTag)
	}
	if known.LastModified != nil {
		header.Set("If-Modified-Since", known.LastModified.UTC().Format(http.TimeFormat))
	}

	resp, err := s.do(ctx, http.MethodHead, fileURL, header)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &repository.ProbeResult{NotModified: true, Meta: known}, nil
	}
	return &repository.ProbeResult{Meta: metaFromResponse(resp)}, nil
}

// do waits for the rate limiter, then runs the request through the breaker. Non-2xx
// responses other than 304 come back as *repository.HTTPError with the body closed.
func (s *Source) do(ctx context.Context, method, target string, header http.Header) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, classify(ctx, fmt.Errorf("rate limiter: %w", err))
	}

	run := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if s.opts.UserAgent != "" {
			req.Header.Set("User-Agent", s.opts.UserAgent)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, classify(ctx, err)
		}
		if resp.StatusCode == http.StatusNotModified || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
			return resp, nil
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &repository.HTTPError{StatusCode: resp.StatusCode, URL: target}
	}

	if s.breaker == nil {
		return run()
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return run()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%s %s: %w", method, target, repository.ErrCircuitOpen)
	}
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

func metaFromResponse(resp *http.Response) entity.RemoteMeta {
	var meta entity.RemoteMeta
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			meta.LastModified = &t
		}
	}
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		meta.ContentLength = &n
	}
	meta.EntityTag = resp.Header.Get("ETag")
	return meta
}

// classify maps deadline errors onto ErrFetchTimeout.
func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", repository.ErrFetchTimeout, err)
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

type cancelOnClose struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = classify(c.ctx, err)
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
