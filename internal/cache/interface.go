package cache

import (
	"context"
	"time"

	"github.com/miekg/dns"
)

// Stats summarizes cache occupancy and hit/miss counters for the control
// plane's /cache/stats endpoint.
type Stats struct {
	Entries    int   `json:"entries"`
	MaxEntries int   `json:"max_entries"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
}

// Tier is the interface both the in-memory cache and the optional Redis
// tier implement, letting Cache treat either as a plain key/TTL store.
type Tier interface {
	Get(ctx context.Context, key string) (*dns.Msg, time.Duration, bool)
	Set(ctx context.Context, key string, msg *dns.Msg, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Close() error
}
