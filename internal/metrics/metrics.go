// Package metrics defines and registers the Prometheus metrics exposed at
// the HTTP server's /metrics endpoint.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohfwd_cache_hits_total",
		Help: "Total number of cache hits, across both the in-memory and Redis tiers",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohfwd_cache_misses_total",
		Help: "Total number of cache misses",
	})

	CoalescedWaitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohfwd_coalesced_waits_total",
		Help: "Total number of queries that waited on an in-flight single-flight leader instead of dispatching their own upstream exchange",
	})

	UpstreamAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohfwd_upstream_attempts_total",
		Help: "Total upstream exchange attempts by group and protocol",
	}, []string{"group", "protocol"})

	UpstreamFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohfwd_upstream_failures_total",
		Help: "Total upstream exchange transport failures by group and protocol",
	}, []string{"group", "protocol"})

	UpstreamExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohfwd_upstream_exhausted_total",
		Help: "Total queries for which every resolver in the group failed",
	}, []string{"group"})

	RouterDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohfwd_router_decisions_total",
		Help: "Total routing decisions by resolved upstream group",
	}, []string{"group"})

	BlackholeHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohfwd_blackhole_hits_total",
		Help: "Total queries routed to the synthetic blackhole group",
	})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dohfwd_rate_limited_total",
		Help: "Total requests rejected by the per-IP rate limiter",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dohfwd_http_requests_total",
		Help: "Total DoH HTTP requests by status code class",
	}, []string{"code"})

	CacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dohfwd_cache_entries",
		Help: "Current number of entries in the in-memory cache tier",
	})
)

// Init registers every metric with a new registry and returns it. Safe to
// call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			CacheHitsTotal,
			CacheMissesTotal,
			CoalescedWaitsTotal,
			UpstreamAttemptsTotal,
			UpstreamFailuresTotal,
			UpstreamExhaustedTotal,
			RouterDecisionsTotal,
			BlackholeHitsTotal,
			RateLimitedTotal,
			HTTPRequestsTotal,
			CacheEntries,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry, nil until Init is called.
func Registry() *prometheus.Registry {
	return registry
}

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	CacheHitsTotal.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	CacheMissesTotal.Inc()
}

// RecordCoalescedWait increments the single-flight coalescing counter.
func RecordCoalescedWait() {
	CoalescedWaitsTotal.Inc()
}

// RecordUpstreamAttempt records one dispatch attempt against a resolver.
func RecordUpstreamAttempt(group, protocol string) {
	UpstreamAttemptsTotal.WithLabelValues(group, protocol).Inc()
}

// RecordUpstreamFailure records one failed dispatch attempt.
func RecordUpstreamFailure(group, protocol string) {
	UpstreamFailuresTotal.WithLabelValues(group, protocol).Inc()
}

// RecordUpstreamExhausted records a query for which every resolver failed.
func RecordUpstreamExhausted(group string) {
	UpstreamExhaustedTotal.WithLabelValues(group).Inc()
}

// RecordRouterDecision records the group a query was routed to.
func RecordRouterDecision(group string) {
	RouterDecisionsTotal.WithLabelValues(group).Inc()
}

// RecordBlackholeHit increments the blackhole counter.
func RecordBlackholeHit() {
	BlackholeHitsTotal.Inc()
}

// RecordRateLimited increments the rate-limit rejection counter.
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

// RecordHTTPRequest records an HTTP response by status code class, e.g. "2xx".
func RecordHTTPRequest(codeClass string) {
	HTTPRequestsTotal.WithLabelValues(codeClass).Inc()
}

// SetCacheEntries sets the cache occupancy gauge.
func SetCacheEntries(n int) {
	CacheEntries.Set(float64(n))
}
