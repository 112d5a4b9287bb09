package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"stockledger/internal/core/id"
	"stockledger/internal/domain/catalog"
	"stockledger/pkg/logger"
)

const (
	resourceKeyPrefix  = "stockledger:resource:"
	DefaultResourceTTL = 10 * time.Minute
)

var _ catalog.ResourceCatalog = (*ResourceCache)(nil)

// ResourceCache is a read-through cache in front of a ResourceCatalog.
// Cache failures degrade to the underlying catalog. Unknown resources are
// not cached.
type ResourceCache struct {
	next  catalog.ResourceCatalog
	store Store
	ttl   time.Duration
	log   *logger.Logger
}

// NewResourceCache wraps next. A non-positive ttl uses DefaultResourceTTL.
func NewResourceCache(next catalog.ResourceCatalog, store Store, ttl time.Duration, log *logger.Logger) *ResourceCache {
	if ttl <= 0 {
		ttl = DefaultResourceTTL
	}
	return &ResourceCache{
		next:  next,
		store: store,
		ttl:   ttl,
		log:   log.WithComponent("resource_cache"),
	}
}

func resourceKey(resourceID id.ID) string {
	return resourceKeyPrefix + resourceID.String()
}

func (c *ResourceCache) Lookup(ctx context.Context, resourceID id.ID) (catalog.Resource, error) {
	key := resourceKey(resourceID)

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var res catalog.Resource
		if jsonErr := json.Unmarshal(raw, &res); jsonErr == nil {
			return res, nil
		}
		c.log.WithContext(ctx).Warnw("dropping undecodable cache entry", "key", key)
		_ = c.store.Del(ctx, key)
	case !errors.Is(err, ErrMiss):
		c.log.WithContext(ctx).Warnw("resource cache read failed", "key", key, "error", err)
	}

	res, err := c.next.Lookup(ctx, resourceID)
	if err != nil {
		return catalog.Resource{}, err
	}

	if raw, err := json.Marshal(res); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			c.log.WithContext(ctx).Warnw("resource cache write failed", "key", key, "error", err)
		}
	}
	return res, nil
}

// Invalidate drops the cached entries for the given resources.
func (c *ResourceCache) Invalidate(ctx context.Context, resourceIDs ...id.ID) error {
	keys := make([]string, 0, len(resourceIDs))
	for _, rid := range resourceIDs {
		keys = append(keys, resourceKey(rid))
	}
	return c.store.Del(ctx, keys...)
}
