package memory

import (
	"context"
	"sync"
	"time"

	"github.com/user/portal-ingest/internal/repository"
)

type cachedFingerprint struct {
	value     string
	expiresAt time.Time
}

// ListingCache is an expiring in-process fingerprint cache used when redis is not configured.
type ListingCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	values map[string]cachedFingerprint
}

func NewListingCache(ttl time.Duration) *ListingCache {
	return &ListingCache{ttl: ttl, now: time.Now, values: make(map[string]cachedFingerprint)}
}

var _ repository.ListingCache = (*ListingCache)(nil)

func (c *ListingCache) Fingerprint(_ context.Context, pageURL string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[pageURL]
	if !ok {
		return "", false, nil
	}
	if c.now().After(v.expiresAt) {
		delete(c.values, pageURL)
		return "", false, nil
	}
	return v.value, true, nil
}

func (c *ListingCache) Remember(_ context.Context, pageURL, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[pageURL] = cachedFingerprint{value: fingerprint, expiresAt: c.now().Add(c.ttl)}
	return nil
}

func (c *ListingCache) Forget(_ context.Context, pageURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, pageURL)
	return nil
}
