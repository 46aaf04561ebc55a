// Package cache holds the answer cache: a sharded in-memory SIEVE cache in
// front of an optional Redis tier, coalesced by single-flight so concurrent
// identical queries share one upstream exchange.
package cache

import (
	"container/list"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

var dnsMsgPool = sync.Pool{
	New: func() any { return new(dns.Msg) },
}

const defaultShardCount = 32

// LRUCache is a thread-safe in-memory cache for DNS responses, keyed by
// fingerprint string. Uses SIEVE eviction (NSDI '24): a hit only sets a
// visited bit, no list reordering, so Get takes an RLock instead of Lock.
type LRUCache struct {
	maxEntries int
	mu         sync.RWMutex
	ll         *list.List
	cache      map[string]*list.Element
	hand       *list.Element
	log        *slog.Logger
}

type lruEntry struct {
	key     string
	msg     *dns.Msg
	expiry  time.Time
	visited uint32
}

// NewLRUCache creates an LRU cache with the given capacity. If logger is
// non-nil, evictions are logged at debug level.
func NewLRUCache(maxEntries int, logger *slog.Logger) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		cache:      make(map[string]*list.Element),
		log:        logger,
	}
}

// Get returns a pooled copy of the cached message and its remaining TTL.
// Caller must call ReleaseMsg when done with the returned message.
func (c *LRUCache) Get(key string) (*dns.Msg, time.Duration, bool) {
	c.mu.RLock()
	elem, ok := c.cache[key]
	if !ok {
		c.mu.RUnlock()
		return nil, 0, false
	}
	entry := elem.Value.(*lruEntry)
	now := time.Now()
	if now.After(entry.expiry) {
		c.mu.RUnlock()
		c.mu.Lock()
		defer c.mu.Unlock()
		if e, ok := c.cache[key]; ok {
			ent := e.Value.(*lruEntry)
			if now.After(ent.expiry) {
				c.removeElement(e)
			}
		}
		return nil, 0, false
	}
	atomic.StoreUint32(&entry.visited, 1)
	remaining := entry.expiry.Sub(now)
	msg := dnsMsgPool.Get().(*dns.Msg)
	entry.msg.CopyTo(msg)
	c.mu.RUnlock()
	return msg, remaining, true
}

// ReleaseMsg returns msg to the pool. Safe to call with nil.
func ReleaseMsg(msg *dns.Msg) {
	if msg == nil {
		return
	}
	*msg = dns.Msg{}
	dnsMsgPool.Put(msg)
}

// Set adds or updates a DNS message with the given absolute TTL from now.
func (c *LRUCache) Set(key string, msg *dns.Msg, ttl time.Duration) {
	if msg == nil || ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry := time.Now().Add(ttl)
	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.msg = msg.Copy()
		entry.expiry = expiry
		atomic.StoreUint32(&entry.visited, 1)
		return
	}

	// New entries start unvisited; only a later hit marks them visited.
	entry := &lruEntry{key: key, msg: msg.Copy(), expiry: expiry}
	elem := c.ll.PushFront(entry)
	c.cache[key] = elem

	for c.ll.Len() > c.maxEntries {
		c.evictOne()
	}
}

// evictOne runs one iteration of SIEVE. Must hold c.mu.
func (c *LRUCache) evictOne() {
	if c.ll.Len() == 0 {
		return
	}
	if c.hand == nil {
		c.hand = c.ll.Back()
	}
	for {
		if c.hand == nil {
			return
		}
		entry := c.hand.Value.(*lruEntry)
		next := c.hand.Prev()
		if next == nil {
			next = c.ll.Back()
		}
		if atomic.LoadUint32(&entry.visited) == 1 {
			atomic.StoreUint32(&entry.visited, 0)
			c.hand = next
			continue
		}
		if c.log != nil {
			c.log.Debug("cache eviction", "key", entry.key, "capacity", c.maxEntries)
		}
		toRemove := c.hand
		c.hand = next
		c.removeElement(toRemove)
		if c.ll.Len() <= c.maxEntries {
			return
		}
	}
}

// Delete removes a key from the cache.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.cache[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.cache = make(map[string]*list.Element)
	c.hand = nil
}

// Len returns the current entry count.
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ll.Len()
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.ll.Remove(elem)
	entry := elem.Value.(*lruEntry)
	delete(c.cache, entry.key)
}

// CleanExpired removes expired entries and returns how many were removed.
func (c *LRUCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	var next *list.Element
	for e := c.ll.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*lruEntry)
		if now.After(entry.expiry) {
			c.removeElement(e)
			removed++
		}
	}
	return removed
}

// ShardedLRUCache distributes entries across shards to reduce mutex
// contention under concurrent load.
type ShardedLRUCache struct {
	shards []*LRUCache
	mask   uint32
}

// NewShardedLRUCache creates a sharded cache with the given total capacity.
// Small capacities collapse to a single shard so the configured size is
// actually honored.
func NewShardedLRUCache(maxEntries int, logger *slog.Logger) *ShardedLRUCache {
	shardCount := defaultShardCount
	perShard := (maxEntries + shardCount - 1) / shardCount
	if perShard < 100 {
		shardCount = 1
		perShard = maxEntries
	}
	shards := make([]*LRUCache, shardCount)
	for i := range shards {
		shards[i] = NewLRUCache(perShard, logger)
	}
	return &ShardedLRUCache{shards: shards, mask: uint32(shardCount - 1)}
}

func (s *ShardedLRUCache) shardIndex(key string) uint32 {
	const prime32 = 16777619
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h & s.mask
}

func (s *ShardedLRUCache) Get(key string) (*dns.Msg, time.Duration, bool) {
	return s.shards[s.shardIndex(key)].Get(key)
}

func (s *ShardedLRUCache) Set(key string, msg *dns.Msg, ttl time.Duration) {
	s.shards[s.shardIndex(key)].Set(key, msg, ttl)
}

func (s *ShardedLRUCache) Delete(key string) {
	s.shards[s.shardIndex(key)].Delete(key)
}

func (s *ShardedLRUCache) Clear() {
	for _, shard := range s.shards {
		shard.Clear()
	}
}

func (s *ShardedLRUCache) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

func (s *ShardedLRUCache) CleanExpired() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.CleanExpired()
	}
	return n
}
