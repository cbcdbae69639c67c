package repository

import "context"

// ListingCache remembers the fingerprint of each listing page seen by discovery.
type ListingCache interface {
	// Fingerprint returns the stored fingerprint, or false when the page is unknown or expired.
	Fingerprint(ctx context.Context, pageURL string) (string, bool, error)
	// Remember stores the fingerprint of a page with the cache's expiry.
	Remember(ctx context.Context, pageURL, fingerprint string) error
	// Forget removes a page, forcing the next run to process it.
	Forget(ctx context.Context, pageURL string) error
}
