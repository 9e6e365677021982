package contentstore

import (
	"context"
	"time"

	"leaseflow/viewcache"
)

// DefaultContentTTL bounds how long fetched content stays cached. Content is
// immutable, so only Unpin needs to evict.
const DefaultContentTTL = 2 * time.Hour

// CachedStore serves repeated reads from a cache.
type CachedStore struct {
	inner Store
	cache viewcache.Cache
	ttl   time.Duration
}

func NewCachedStore(inner Store, cache viewcache.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultContentTTL
	}
	return &CachedStore{inner: inner, cache: cache, ttl: ttl}
}

func cacheKey(id ContentID) string { return "content:" + string(id) }

func (c *CachedStore) Put(ctx context.Context, data []byte, contentType, ownerHint string) (PutResult, error) {
	return c.inner.Put(ctx, data, contentType, ownerHint)
}

func (c *CachedStore) Get(ctx context.Context, id ContentID) ([]byte, error) {
	if data, ok, err := c.cache.Get(ctx, cacheKey(id)); err == nil && ok {
		return data, nil
	}
	data, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Set(ctx, cacheKey(id), data, c.ttl)
	return data, nil
}

func (c *CachedStore) Unpin(ctx context.Context, id ContentID) bool {
	_ = c.cache.Delete(ctx, cacheKey(id))
	return c.inner.Unpin(ctx, id)
}
