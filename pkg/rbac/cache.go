package rbac

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/greyhaven/tenon/pkg/observability"
)

const cacheKeyPrefix = "rbac:perms:"

// PermissionCache is a two-tier cache of computed permission sets keyed by
// user and organization. The in-process LRU is always on; Redis is an
// optional second tier shared across instances. Staleness is bounded by the
// TTL; mutations additionally invalidate eagerly.
type PermissionCache struct {
	lru     *expirable.LRU[string, []string]
	redis   *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics

	mu   sync.Mutex
	keys map[string]struct{}
}

// NewPermissionCache creates a permission cache. redisClient may be nil.
func NewPermissionCache(size int, ttl time.Duration, redisClient *redis.Client, metrics *observability.Metrics) *PermissionCache {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PermissionCache{
		lru:     expirable.NewLRU[string, []string](size, nil, ttl),
		redis:   redisClient,
		ttl:     ttl,
		metrics: metrics,
		keys:    map[string]struct{}{},
	}
}

func cacheKey(userID, organizationID string) string {
	return cacheKeyPrefix + userID + ":" + organizationID
}

// Get returns the cached permission set, checking the LRU first and Redis
// second. A Redis hit repopulates the LRU.
func (c *PermissionCache) Get(ctx context.Context, userID, organizationID string) ([]string, bool) {
	key := cacheKey(userID, organizationID)

	if perms, ok := c.lru.Get(key); ok {
		c.hit()
		return perms, true
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var perms []string
			if json.Unmarshal(raw, &perms) == nil {
				c.lru.Add(key, perms)
				c.hit()
				return perms, true
			}
		}
	}

	c.miss()
	return nil, false
}

// Set stores a permission set in both tiers.
func (c *PermissionCache) Set(ctx context.Context, userID, organizationID string, permissions []string) {
	key := cacheKey(userID, organizationID)
	c.lru.Add(key, permissions)

	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()

	if c.redis != nil {
		if raw, err := json.Marshal(permissions); err == nil {
			c.redis.Set(ctx, key, raw, c.ttl)
		}
	}
}

// Invalidate drops the cached set for one user in one organization. Used
// after assignment and membership mutations.
func (c *PermissionCache) Invalidate(ctx context.Context, userID, organizationID string) {
	key := cacheKey(userID, organizationID)
	c.lru.Remove(key)

	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()

	if c.redis != nil {
		c.redis.Del(ctx, key)
	}
}

// Flush drops everything. Used after role mutations, which can affect any
// user holding the role.
func (c *PermissionCache) Flush(ctx context.Context) {
	c.lru.Purge()

	c.mu.Lock()
	keys := make([]string, 0, len(c.keys))
	for k := range c.keys {
		keys = append(keys, k)
	}
	c.keys = map[string]struct{}{}
	c.mu.Unlock()

	if c.redis != nil && len(keys) > 0 {
		c.redis.Del(ctx, keys...)
	}
}

func (c *PermissionCache) hit() {
	if c.metrics != nil {
		c.metrics.PermissionCacheHits.Inc()
	}
}

func (c *PermissionCache) miss() {
	if c.metrics != nil {
		c.metrics.PermissionCacheMisses.Inc()
	}
}
