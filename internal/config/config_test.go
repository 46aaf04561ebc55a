package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
dns_resolver:
  upstream:
    resolvers:
      - address: 1.1.1.1:53
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPServer.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want default", cfg.HTTPServer.ListenAddr)
	}
	if cfg.DNSResolver.Upstream.Resolvers[0].Protocol != "udp" {
		t.Errorf("Protocol default = %q, want udp", cfg.DNSResolver.Upstream.Resolvers[0].Protocol)
	}
	if cfg.DNSResolver.Cache.Size != defaultCacheSize {
		t.Errorf("Cache.Size = %d, want %d", cfg.DNSResolver.Cache.Size, defaultCacheSize)
	}
	if cfg.DNSResolver.Cache.TTL.Negative.Duration != defaultNegativeTTL {
		t.Errorf("TTL.Negative = %v, want %v", cfg.DNSResolver.Cache.TTL.Negative.Duration, defaultNegativeTTL)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestDurationAcceptsIntSecondsOrString(t *testing.T) {
	path := writeTempConfig(t, `
http_server:
  timeout: 7
dns_resolver:
  upstream:
    query_timeout: 500ms
    resolvers:
      - address: 1.1.1.1:53
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPServer.Timeout.Duration != 7*time.Second {
		t.Errorf("Timeout = %v, want 7s", cfg.HTTPServer.Timeout.Duration)
	}
	if cfg.DNSResolver.Upstream.QueryTimeout.Duration != 500*time.Millisecond {
		t.Errorf("QueryTimeout = %v, want 500ms", cfg.DNSResolver.Upstream.QueryTimeout.Duration)
	}
}

func TestValidateRejectsEmptyResolversWithoutRouting(t *testing.T) {
	path := writeTempConfig(t, "dns_resolver: {}\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty resolvers with routing disabled")
	}
}

func TestValidateRejectsUnsupportedProtocol(t *testing.T) {
	path := writeTempConfig(t, `
dns_resolver:
  upstream:
    resolvers:
      - address: 1.1.1.1:53
        protocol: carrier-pigeon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported protocol")
	}
}

func TestValidateRejectsBlackholeAsGroupName(t *testing.T) {
	path := writeTempConfig(t, `
dns_resolver:
  routing:
    enabled: true
    upstream_groups:
      - name: __blackhole__
        resolvers:
          - address: 1.1.1.1:53
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for reserved group name")
	}
}

func TestValidateRejectsUnknownRuleTarget(t *testing.T) {
	path := writeTempConfig(t, `
dns_resolver:
  routing:
    enabled: true
    rules:
      - match: {type: suffix, values: ["ads.example."]}
        upstream_group: nonexistent
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown rule target group")
	}
}

func TestValidateRejectsUnknownMatchType(t *testing.T) {
	path := writeTempConfig(t, `
dns_resolver:
  routing:
    enabled: true
    rules:
      - match: {type: fuzzy, values: ["example.com."]}
        upstream_group: default
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown match type")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
