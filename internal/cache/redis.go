package cache

import (
	"context"
	"time"

	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"

	"github.com/nullpath/dohfwd/internal/config"
)

// RedisTier is an optional durable second cache tier. Messages are stored
// wire-packed with the TTL passed to Set (the cache policy's TTL for the
// answer), so expiry is enforced by Redis itself.
type RedisTier struct {
	client redis.UniversalClient
}

// NewRedisTier connects to Redis per cfg. The connection is lazy; errors
// surface on first command.
func NewRedisTier(cfg config.RedisConfig) *RedisTier {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisTier{client: client}
}

func (r *RedisTier) Get(ctx context.Context, key string) (*dns.Msg, time.Duration, bool) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, false
	}
	packed, err := getCmd.Bytes()
	if err != nil {
		return nil, 0, false
	}
	remaining := ttlCmd.Val()
	if remaining <= 0 {
		return nil, 0, false
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(packed); err != nil {
		return nil, 0, false
	}
	return msg, remaining, true
}

func (r *RedisTier) Set(ctx context.Context, key string, msg *dns.Msg, ttl time.Duration) {
	if msg == nil || ttl <= 0 {
		return
	}
	packed, err := msg.Pack()
	if err != nil {
		return
	}
	r.client.Set(ctx, key, packed, ttl)
}

func (r *RedisTier) Delete(ctx context.Context, key string) {
	r.client.Del(ctx, key)
}

func (r *RedisTier) Close() error {
	return r.client.Close()
}

var _ Tier = (*RedisTier)(nil)
