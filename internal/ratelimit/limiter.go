// Package ratelimit implements the per-client-IP request rate limiter
// sitting in front of the DoH handler.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const idleEvictAfter = 10 * time.Minute

// Limiter enforces a per-IP token bucket and, optionally, a per-IP
// concurrency cap. Zero value is not usable; construct with New.
type Limiter struct {
	rate  rate.Limit
	burst int

	maxConcurrent int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter     *rate.Limiter
	inFlight    int
	lastTouched time.Time
}

// New builds a Limiter allowing perSecond requests/sec per IP (burst equal
// to perSecond, minimum 1), and at most maxConcurrent requests in flight per
// IP at once (0 = no concurrency cap).
func New(perSecond int, maxConcurrent int) *Limiter {
	burst := perSecond
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		rate:          rate.Limit(perSecond),
		burst:         burst,
		maxConcurrent: maxConcurrent,
		buckets:       make(map[string]*bucket),
	}
}

// Allow reports whether a request from ip may proceed, given the current
// token bucket state and concurrency count. When it returns true, the
// caller must call Release(ip) exactly once after the request completes.
// In-flight requests are counted only when a concurrency cap is set.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[ip] = b
	}
	b.lastTouched = time.Now()

	if l.maxConcurrent > 0 && b.inFlight >= l.maxConcurrent {
		return false
	}
	if !b.limiter.Allow() {
		return false
	}
	if l.maxConcurrent > 0 {
		b.inFlight++
	}
	return true
}

// Release decrements ip's in-flight count. Call once per Allow that
// returned true.
func (l *Limiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[ip]; ok && b.inFlight > 0 {
		b.inFlight--
	}
}

// EvictIdle removes buckets that have been untouched since before the given
// time, bounding memory growth from one-off clients. Call periodically.
func (l *Limiter) EvictIdle(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, b := range l.buckets {
		if b.inFlight == 0 && b.lastTouched.Before(before) {
			delete(l.buckets, ip)
			removed++
		}
	}
	return removed
}
