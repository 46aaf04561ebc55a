package cache

import (
	"time"

	"github.com/miekg/dns"

	"github.com/nullpath/dohfwd/internal/config"
)

// TTLPolicy derives how long an answer may be cached from its own TTLs,
// clamped to the configured bounds. Negative answers (NXDOMAIN or NODATA)
// use the configured negative TTL verbatim rather than reading the SOA
// minimum, matching the literal reading of the negative-caching rule: a
// fixed value regardless of what upstream's SOA advertises.
type TTLPolicy struct {
	Min      time.Duration
	Max      time.Duration
	Negative time.Duration
}

func NewTTLPolicy(cfg config.CacheTTLConfig) TTLPolicy {
	return TTLPolicy{
		Min:      cfg.Min.Duration,
		Max:      cfg.Max.Duration,
		Negative: cfg.Negative.Duration,
	}
}

// ForResponse returns the TTL to cache resp under, and whether it should be
// cached at all. SERVFAIL and truncated responses are never cached.
func (p TTLPolicy) ForResponse(resp *dns.Msg) (time.Duration, bool) {
	if resp == nil || resp.Truncated {
		return 0, false
	}
	switch resp.Rcode {
	case dns.RcodeServerFailure:
		return 0, false
	case dns.RcodeSuccess:
		if len(resp.Answer) == 0 {
			return p.Negative, true
		}
		return p.clamp(minRRTTL(resp.Answer)), true
	case dns.RcodeNameError:
		return p.Negative, true
	default:
		return 0, false
	}
}

func (p TTLPolicy) clamp(ttl time.Duration) time.Duration {
	if p.Min > 0 && ttl < p.Min {
		ttl = p.Min
	}
	if p.Max > 0 && ttl > p.Max {
		ttl = p.Max
	}
	return ttl
}

func minRRTTL(rrs []dns.RR) time.Duration {
	min := uint32(0)
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	return time.Duration(min) * time.Second
}
