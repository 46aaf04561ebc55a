package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/nullpath/dohfwd/internal/config"
	"github.com/nullpath/dohfwd/internal/fingerprint"
)

// Cache is the answer cache: an in-memory SIEVE tier, an optional Redis
// tier, and single-flight coalescing over whatever produces a miss's
// answer. Lookups and fills are keyed by fingerprint, never by the raw
// wire query, so id/flags/EDNS padding never fracture the key space.
type Cache struct {
	lru    *ShardedLRUCache
	redis  *RedisTier
	policy TTLPolicy
	coalescer Coalescer

	hits   atomic.Int64
	misses atomic.Int64
}

// New builds a Cache per cfg. The Redis tier is nil when cfg.Redis is
// disabled.
func New(cfg config.CacheConfig, logger *slog.Logger) *Cache {
	c := &Cache{
		lru:    NewShardedLRUCache(cfg.Size, logger),
		policy: NewTTLPolicy(cfg.TTL),
	}
	if cfg.Redis.Enabled {
		c.redis = NewRedisTier(cfg.Redis)
	}
	return c
}

// Lookup returns a cached answer for fp if present in either tier, promoting
// a Redis hit into the local tier. The caller must call ReleaseMsg on the
// returned message.
func (c *Cache) Lookup(ctx context.Context, fp fingerprint.Fingerprint) (*dns.Msg, bool) {
	key := fp.Key()
	if msg, ttl, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return msg, ttl > 0
	}
	if c.redis != nil {
		if msg, ttl, ok := c.redis.Get(ctx, key); ok {
			c.hits.Add(1)
			c.lru.Set(key, msg, ttl)
			return msg, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Resolve returns a cached answer for fp, or calls fill to produce one,
// coalescing concurrent misses for the same fingerprint into a single fill
// call. A freshly filled result is stored under the TTL policy before being
// returned, unless the policy marks it uncacheable.
func (c *Cache) Resolve(ctx context.Context, fp fingerprint.Fingerprint, fill func(context.Context) (*dns.Msg, error)) (*dns.Msg, error) {
	if msg, ok := c.Lookup(ctx, fp); ok {
		return msg, nil
	}

	key := fp.Key()
	msg, err, _ := c.coalescer.Resolve(ctx, key, func() (*dns.Msg, error) {
		resp, err := fill(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if ttl, cacheable := c.policy.ForResponse(resp); cacheable {
			c.Store(key, resp, ttl)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return msg.Copy(), nil
}

// Store inserts msg under key with the given TTL in every active tier.
func (c *Cache) Store(key string, msg *dns.Msg, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.lru.Set(key, msg, ttl)
	if c.redis != nil {
		c.redis.Set(context.Background(), key, msg, ttl)
	}
}

// Stats reports current occupancy and hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:    c.lru.Len(),
		MaxEntries: -1,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
	}
}

// Clear empties the in-memory tier. The Redis tier, if any, is left alone.
func (c *Cache) Clear() {
	c.lru.Clear()
}

// Close releases the Redis tier's connection, if any.
func (c *Cache) Close() error {
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}
