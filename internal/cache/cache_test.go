package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/nullpath/dohfwd/internal/config"
	"github.com/nullpath/dohfwd/internal/fingerprint"
)

func testCache() *Cache {
	return New(config.CacheConfig{
		Size: 1000,
		TTL: config.CacheTTLConfig{
			Max:      config.Duration{Duration: time.Hour},
			Negative: config.Duration{Duration: time.Minute},
		},
	}, nil)
}

func testFingerprint(name string) fingerprint.Fingerprint {
	fp, _ := fingerprint.Of(mustQuery(name))
	return fp
}

func mustQuery(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	return m
}

func TestResolveMissCallsFillAndCaches(t *testing.T) {
	c := testCache()
	fp := testFingerprint("example.com.")

	var calls int32
	fill := func(ctx context.Context) (*dns.Msg, error) {
		atomic.AddInt32(&calls, 1)
		return sampleMsg("example.com.", 30), nil
	}

	resp, err := c.Resolve(context.Background(), fp, fill)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fill called %d times, want 1", calls)
	}

	// Second call should hit cache, not call fill again.
	_, err = c.Resolve(context.Background(), fp, fill)
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("fill called %d times after cache hit, want 1", calls)
	}
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	c := testCache()
	fp := testFingerprint("coalesce.example.")

	var calls int32
	start := make(chan struct{})
	fill := func(ctx context.Context) (*dns.Msg, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return sampleMsg("coalesce.example.", 30), nil
	}

	const n = 10
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Resolve(context.Background(), fp, fill)
			results <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(start)

	for i := 0; i < n; i++ {
		if err := <-results; err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("fill called %d times, want exactly 1 (coalesced)", got)
	}
}

func TestResolvePropagatesFillError(t *testing.T) {
	c := testCache()
	fp := testFingerprint("broken.example.")
	wantErr := errors.New("upstream exhausted")

	_, err := c.Resolve(context.Background(), fp, func(ctx context.Context) (*dns.Msg, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
}

func TestResolveDoesNotCacheServfail(t *testing.T) {
	c := testCache()
	fp := testFingerprint("servfail.example.")

	servfail := new(dns.Msg)
	servfail.SetQuestion("servfail.example.", dns.TypeA)
	servfail.Rcode = dns.RcodeServerFailure

	var calls int32
	fill := func(ctx context.Context) (*dns.Msg, error) {
		atomic.AddInt32(&calls, 1)
		return servfail, nil
	}

	c.Resolve(context.Background(), fp, fill)
	c.Resolve(context.Background(), fp, fill)

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("fill called %d times, want 2 (SERVFAIL must not be cached)", got)
	}
}

func TestTTLPolicyClampsAndNegativeVerbatim(t *testing.T) {
	p := TTLPolicy{Min: 10 * time.Second, Max: time.Minute, Negative: 5 * time.Minute}

	low := sampleMsg("example.com.", 1)
	ttl, ok := p.ForResponse(low)
	if !ok || ttl != p.Min {
		t.Fatalf("ttl = %v, ok=%v; want clamp to Min=%v", ttl, ok, p.Min)
	}

	high := sampleMsg("example.com.", 999999)
	ttl, ok = p.ForResponse(high)
	if !ok || ttl != p.Max {
		t.Fatalf("ttl = %v, ok=%v; want clamp to Max=%v", ttl, ok, p.Max)
	}

	nxdomain := new(dns.Msg)
	nxdomain.SetQuestion("nx.example.", dns.TypeA)
	nxdomain.Rcode = dns.RcodeNameError
	ttl, ok = p.ForResponse(nxdomain)
	if !ok || ttl != p.Negative {
		t.Fatalf("negative ttl = %v, ok=%v; want verbatim Negative=%v", ttl, ok, p.Negative)
	}

	servfail := new(dns.Msg)
	servfail.SetQuestion("x.example.", dns.TypeA)
	servfail.Rcode = dns.RcodeServerFailure
	if _, ok := p.ForResponse(servfail); ok {
		t.Fatal("SERVFAIL must not be cacheable")
	}

	truncated := sampleMsg("example.com.", 60)
	truncated.Truncated = true
	if _, ok := p.ForResponse(truncated); ok {
		t.Fatal("truncated response must not be cacheable")
	}
}
