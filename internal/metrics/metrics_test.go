package metrics

import (
	"testing"
)

func TestInit(t *testing.T) {
	reg := Init()
	if reg == nil {
		t.Fatal("Init returned nil registry")
	}
	// Second call should return same registry (sync.Once)
	reg2 := Init()
	if reg != reg2 {
		t.Error("Init should return same registry on subsequent calls")
	}
}

func TestRegistryAfterInit(t *testing.T) {
	reg := Init()
	if Registry() != reg {
		t.Error("Registry should return the registry from Init")
	}
}

func TestRecordCacheHitAndMiss(t *testing.T) {
	Init()
	RecordCacheHit()
	RecordCacheMiss()
}

func TestRecordCoalescedWait(t *testing.T) {
	Init()
	RecordCoalescedWait()
}

func TestRecordUpstreamCounters(t *testing.T) {
	Init()
	RecordUpstreamAttempt("default", "udp")
	RecordUpstreamFailure("default", "udp")
	RecordUpstreamExhausted("default")
}

func TestRecordRouterDecision(t *testing.T) {
	Init()
	RecordRouterDecision("ads-blocked")
}

func TestRecordBlackholeHit(t *testing.T) {
	Init()
	RecordBlackholeHit()
}

func TestRecordRateLimited(t *testing.T) {
	Init()
	RecordRateLimited()
}

func TestRecordHTTPRequest(t *testing.T) {
	Init()
	RecordHTTPRequest("2xx")
	RecordHTTPRequest("4xx")
}

func TestSetCacheEntries(t *testing.T) {
	Init()
	SetCacheEntries(42)
}
