package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/portal-ingest/internal/repository"
	"github.com/user/portal-ingest/pkg/utils"
)

const listingKeyPrefix = "listing:"

// ListingCacheImpl stores listing-page fingerprints in Redis with an expiry.
type ListingCacheImpl struct {
	client *redis.Client
	ttl    time.Duration
}

// NewListingCache creates a new instance of ListingCacheImpl.
func NewListingCache(client *redis.Client, ttl time.Duration) *ListingCacheImpl {
	return &ListingCacheImpl{client: client, ttl: ttl}
}

var _ repository.ListingCache = (*ListingCacheImpl)(nil)

// generateKey creates a consistent Redis key for a page URL by hashing it.
func (c *ListingCacheImpl) generateKey(pageURL string) string {
	return fmt.Sprintf("%s%s", listingKeyPrefix, utils.HashURL(pageURL))
}

func (c *ListingCacheImpl) Fingerprint(ctx context.Context, pageURL string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.generateKey(pageURL)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Remember uses SETEX so the fingerprint and its expiry are written atomically.
func (c *ListingCacheImpl) Remember(ctx context.Context, pageURL, fingerprint string) error {
	return c.client.SetEx(ctx, c.generateKey(pageURL), fingerprint, c.ttl).Err()
}

func (c *ListingCacheImpl) Forget(ctx context.Context, pageURL string) error {
	return c.client.Del(ctx, c.generateKey(pageURL)).Err()
}

// Connect creates a client and pings it.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}
