package cache

import (
	"context"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
)

// Coalescer collapses concurrent cache misses for the same key into one
// upstream call. It wraps golang.org/x/sync/singleflight rather than the
// hand-rolled inflight-channel pattern some forwarders use, since the
// standard primitive already gives duplicate suppression and per-key
// sequencing for free.
type Coalescer struct {
	group singleflight.Group
}

// Resolve runs fn for key if no identical call is already in flight,
// otherwise waits for that call's result. If the context driving the
// in-flight leader is canceled, x/sync/singleflight still delivers the
// leader's result (or error) to every waiter once it completes; Resolve
// additionally honors ctx's own deadline so a waiter is not held past its
// own caller's budget even while the leader keeps running for others.
func (c *Coalescer) Resolve(ctx context.Context, key string, fn func() (*dns.Msg, error)) (*dns.Msg, error, bool) {
	resultCh := c.group.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err, res.Shared
		}
		msg, _ := res.Val.(*dns.Msg)
		return msg, nil, res.Shared
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
}

// Forget drops any in-flight call for key so the next Resolve starts fresh.
func (c *Coalescer) Forget(key string) {
	c.group.Forget(key)
}
