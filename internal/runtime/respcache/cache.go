// Package respcache is the read-through cache for idempotent upstream GETs.
// It stores final envelope bytes so a hit replays exactly what the original
// caller received. The KV being down is never an error here: lookups miss,
// stores and invalidations are skipped, and the request proceeds upstream.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/tollgate/internal/kv"
	"github.com/l0p7/tollgate/internal/metrics"
)

const namespace = "tollgate:cache:v1:"

// tenant segment used when the caller carries no tenant binding.
const globalTenant = "global"

// Key builds the storage key for a cached response. The query digest keeps
// parameterized list reads from colliding.
func Key(upstream, tenant, resource, id, rawQuery string) string {
	if tenant == "" {
		tenant = globalTenant
	}
	parts := []string{upstream, tenant, resource}
	if id != "" {
		parts = append(parts, id)
	}
	if rawQuery != "" {
		sum := sha256.Sum256([]byte(rawQuery))
		parts = append(parts, "q:"+hex.EncodeToString(sum[:4]))
	}
	return namespace + strings.Join(parts, ":")
}

// Cache wraps the KV store with the namespace and failure policy.
type Cache struct {
	store    kv.Store
	recorder *metrics.Recorder
	logger   *slog.Logger
}

func New(store kv.Store, recorder *metrics.Recorder, logger *slog.Logger) *Cache {
	return &Cache{store: store, recorder: recorder, logger: logger}
}

// Lookup returns the cached envelope bytes, if any.
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	payload, found, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Debug("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		c.recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheError)
		return nil, false
	}
	if !found {
		c.recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheMiss)
		return nil, false
	}
	c.recorder.ObserveCache(metrics.CacheOperationLookup, metrics.CacheHit)
	return payload, true
}

// Store writes the envelope bytes under key for ttl.
func (c *Cache) Store(ctx context.Context, key string, payload []byte, ttl time.Duration) bool {
	if c == nil || c.store == nil || ttl <= 0 || len(payload) == 0 {
		return false
	}
	if err := c.store.Set(ctx, key, payload, ttl); err != nil {
		c.logger.Debug("cache store failed", slog.String("key", key), slog.Any("error", err))
		c.recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheError)
		return false
	}
	c.recorder.ObserveCache(metrics.CacheOperationStore, metrics.CacheStored)
	return true
}

// Invalidate removes every cached entry for the given resources, both in the
// writing tenant's segment and the tenantless one, so cross-tenant readers
// never see a record the write just changed.
func (c *Cache) Invalidate(ctx context.Context, upstream, tenant string, resources []string) {
	if c == nil || c.store == nil || len(resources) == 0 {
		return
	}
	tenants := []string{globalTenant}
	if tenant != "" && tenant != globalTenant {
		tenants = append(tenants, tenant)
	}
	for _, resource := range resources {
		for _, segment := range tenants {
			prefix := namespace + upstream + ":" + segment + ":" + resource
			if err := c.store.DeletePrefix(ctx, prefix); err != nil {
				c.logger.Debug("cache invalidation failed",
					slog.String("prefix", prefix),
					slog.Any("error", err))
				c.recorder.ObserveCache(metrics.CacheOperationInvalidate, metrics.CacheError)
				continue
			}
			c.recorder.ObserveCache(metrics.CacheOperationInvalidate, metrics.CacheInvalidated)
		}
	}
}
