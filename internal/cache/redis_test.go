package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nullpath/dohfwd/internal/config"
)

func newTestRedisTier(t *testing.T) *RedisTier {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewRedisTier(config.RedisConfig{Enabled: true, Addr: mr.Addr()})
}

func TestRedisTierSetGetRoundTrip(t *testing.T) {
	r := newTestRedisTier(t)
	defer r.Close()

	ctx := context.Background()
	msg := sampleMsg("example.com.", 60)
	r.Set(ctx, "dns:example.com.:1:1:0", msg, 30*time.Second)

	got, ttl, ok := r.Get(ctx, "dns:example.com.:1:1:0")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if got.Question[0].Name != "example.com." {
		t.Errorf("unexpected question name %q", got.Question[0].Name)
	}
	if ttl <= 0 || ttl > 30*time.Second {
		t.Errorf("ttl = %v, want in (0, 30s]", ttl)
	}
}

func TestRedisTierGetMissReturnsFalse(t *testing.T) {
	r := newTestRedisTier(t)
	defer r.Close()

	if _, _, ok := r.Get(context.Background(), "dns:missing.example.:1:1:0"); ok {
		t.Fatal("expected miss for unset key")
	}
}

func TestRedisTierDelete(t *testing.T) {
	r := newTestRedisTier(t)
	defer r.Close()

	ctx := context.Background()
	r.Set(ctx, "key", sampleMsg("example.com.", 60), time.Minute)
	r.Delete(ctx, "key")
	if _, _, ok := r.Get(ctx, "key"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestCacheWithRedisTierPromotesHitToLRU(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	c := New(config.CacheConfig{
		Size: 1000,
		TTL: config.CacheTTLConfig{
			Max:      config.Duration{Duration: time.Hour},
			Negative: config.Duration{Duration: time.Minute},
		},
		Redis: config.RedisConfig{Enabled: true, Addr: mr.Addr()},
	}, nil)
	defer c.Close()

	fp := testFingerprint("redis-backed.example.")
	c.Store(fp.Key(), sampleMsg("redis-backed.example.", 60), time.Minute)

	// Evict from the L1 LRU directly, leaving only the Redis copy.
	c.lru.Delete(fp.Key())

	if _, ok := c.Lookup(context.Background(), fp); !ok {
		t.Fatal("expected Redis-tier hit to be surfaced by Lookup")
	}
	if _, _, ok := c.lru.Get(fp.Key()); !ok {
		t.Fatal("expected Redis hit to be promoted back into the LRU tier")
	}
}
