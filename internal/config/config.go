// Package config loads and validates the YAML configuration for dohfwd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// BlackholeGroup is the reserved upstream-group name that resolves to a
	// synthetic NXDOMAIN with no network I/O.
	BlackholeGroup = "__blackhole__"

	defaultListenAddr    = "0.0.0.0:8053"
	defaultHTTPTimeout   = 10 * time.Second
	defaultQueryTimeout  = 3 * time.Second
	defaultCacheSize     = 10000
	defaultMinTTL        = 0
	defaultMaxTTL        = time.Hour
	defaultNegativeTTL   = 5 * time.Minute
	defaultClientTimeout = 5 * time.Second
	defaultIdleTimeout   = 90 * time.Second
	defaultMaxIdleConns  = 100
	defaultUserAgent     = "dohfwd/1.0"
)

// Duration wraps time.Duration with YAML unmarshalling that accepts either a
// bare integer (seconds) or a Go duration string ("5s", "2m30s").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	if value.Value == "" {
		return nil
	}
	if value.Tag == "!!int" {
		seconds, err := strconv.Atoi(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration integer %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(seconds) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the top-level configuration tree.
type Config struct {
	HTTPServer  HTTPServerConfig  `yaml:"http_server"`
	DNSResolver DNSResolverConfig `yaml:"dns_resolver"`
	Control     ControlConfig     `yaml:"control"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type HTTPServerConfig struct {
	ListenAddr string          `yaml:"listen_addr"`
	Timeout    Duration        `yaml:"timeout"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	TLSCert    string          `yaml:"tls_cert"`
	TLSKey     string          `yaml:"tls_key"`
}

type RateLimitConfig struct {
	Enabled         bool `yaml:"enabled"`
	PerIPRate       int  `yaml:"per_ip_rate"`
	PerIPConcurrent int  `yaml:"per_ip_concurrent"`
}

type DNSResolverConfig struct {
	Upstream   UpstreamConfig   `yaml:"upstream"`
	HTTPClient HTTPClientConfig `yaml:"http_client"`
	Cache      CacheConfig      `yaml:"cache"`
	Routing    RoutingConfig    `yaml:"routing"`
}

// UpstreamConfig describes the default (non-routed) upstream group.
type UpstreamConfig struct {
	Resolvers     []ResolverConfig `yaml:"resolvers"`
	QueryTimeout  Duration         `yaml:"query_timeout"`
	EnableDNSSEC  bool             `yaml:"enable_dnssec"`
	Backoff       Duration         `yaml:"backoff"`
}

// ResolverConfig is one entry in a resolver list: an address plus transport.
type ResolverConfig struct {
	Address  string `yaml:"address"`
	Protocol string `yaml:"protocol"` // udp, tcp, doh, doq
	SNI      string `yaml:"sni"`
}

type HTTPClientConfig struct {
	Timeout Duration            `yaml:"timeout"`
	Pool    HTTPClientPoolConfig `yaml:"pool"`
	Request HTTPClientRequestConfig `yaml:"request"`
}

type HTTPClientPoolConfig struct {
	IdleTimeout       Duration `yaml:"idle_timeout"`
	MaxIdleConnections int     `yaml:"max_idle_connections"`
}

type HTTPClientRequestConfig struct {
	UserAgent string `yaml:"user_agent"`
}

type CacheConfig struct {
	Enabled bool        `yaml:"enabled"`
	Size    int         `yaml:"size"`
	TTL     CacheTTLConfig `yaml:"ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

type CacheTTLConfig struct {
	Min      Duration `yaml:"min"`
	Max      Duration `yaml:"max"`
	Negative Duration `yaml:"negative"`
}

// RedisConfig enables an optional durable second cache tier.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RoutingConfig struct {
	Enabled        bool                  `yaml:"enabled"`
	DefaultGroup   string                `yaml:"default_group"`
	UpstreamGroups []UpstreamGroupConfig `yaml:"upstream_groups"`
	Rules          []RoutingRuleConfig   `yaml:"rules"`
}

type UpstreamGroupConfig struct {
	Name         string           `yaml:"name"`
	Resolvers    []ResolverConfig `yaml:"resolvers"`
	QueryTimeout Duration         `yaml:"query_timeout"`
	Backoff      Duration         `yaml:"backoff"`
}

type RoutingRuleConfig struct {
	Match         RoutingMatchConfig `yaml:"match"`
	UpstreamGroup string             `yaml:"upstream_group"`
}

type RoutingMatchConfig struct {
	Type   string   `yaml:"type"` // exact, suffix, regex
	Values []string `yaml:"values"`
}

type ControlConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddr     string `yaml:"listen_addr"`
	AdminTokenHash string `yaml:"admin_token_hash"`
}

type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`
}

// Load reads, parses, defaults, and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTPServer.ListenAddr == "" {
		c.HTTPServer.ListenAddr = defaultListenAddr
	}
	if c.HTTPServer.Timeout.Duration == 0 {
		c.HTTPServer.Timeout.Duration = defaultHTTPTimeout
	}
	if c.DNSResolver.Upstream.QueryTimeout.Duration == 0 {
		c.DNSResolver.Upstream.QueryTimeout.Duration = defaultQueryTimeout
	}
	for i := range c.DNSResolver.Upstream.Resolvers {
		normalizeResolver(&c.DNSResolver.Upstream.Resolvers[i])
	}
	if c.DNSResolver.HTTPClient.Timeout.Duration == 0 {
		c.DNSResolver.HTTPClient.Timeout.Duration = defaultClientTimeout
	}
	if c.DNSResolver.HTTPClient.Pool.IdleTimeout.Duration == 0 {
		c.DNSResolver.HTTPClient.Pool.IdleTimeout.Duration = defaultIdleTimeout
	}
	if c.DNSResolver.HTTPClient.Pool.MaxIdleConnections == 0 {
		c.DNSResolver.HTTPClient.Pool.MaxIdleConnections = defaultMaxIdleConns
	}
	if c.DNSResolver.HTTPClient.Request.UserAgent == "" {
		c.DNSResolver.HTTPClient.Request.UserAgent = defaultUserAgent
	}
	if c.DNSResolver.Cache.Size == 0 {
		c.DNSResolver.Cache.Size = defaultCacheSize
	}
	if c.DNSResolver.Cache.TTL.Max.Duration == 0 {
		c.DNSResolver.Cache.TTL.Max.Duration = defaultMaxTTL
	}
	if c.DNSResolver.Cache.TTL.Negative.Duration == 0 {
		c.DNSResolver.Cache.TTL.Negative.Duration = defaultNegativeTTL
	}
	_ = defaultMinTTL // zero value is the correct default; named for documentation
	if c.DNSResolver.Routing.DefaultGroup == "" {
		c.DNSResolver.Routing.DefaultGroup = "default"
	}
	for gi := range c.DNSResolver.Routing.UpstreamGroups {
		g := &c.DNSResolver.Routing.UpstreamGroups[gi]
		if g.QueryTimeout.Duration == 0 {
			g.QueryTimeout.Duration = c.DNSResolver.Upstream.QueryTimeout.Duration
		}
		for ri := range g.Resolvers {
			normalizeResolver(&g.Resolvers[ri])
		}
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
}

func normalizeResolver(r *ResolverConfig) {
	proto := strings.ToLower(strings.TrimSpace(r.Protocol))
	if proto == "" {
		proto = "udp"
	}
	r.Protocol = proto
}

func (c *Config) validate() error {
	if len(c.DNSResolver.Upstream.Resolvers) == 0 && !c.DNSResolver.Routing.Enabled {
		return fmt.Errorf("dns_resolver.upstream.resolvers must not be empty when routing is disabled")
	}
	for _, r := range c.DNSResolver.Upstream.Resolvers {
		if err := validateResolver(r); err != nil {
			return fmt.Errorf("dns_resolver.upstream: %w", err)
		}
	}

	groupNames := map[string]bool{"default": true}
	for _, g := range c.DNSResolver.Routing.UpstreamGroups {
		if g.Name == "" {
			return fmt.Errorf("routing.upstream_groups: group name must not be empty")
		}
		if g.Name == BlackholeGroup {
			return fmt.Errorf("routing.upstream_groups: %q is a reserved group name", BlackholeGroup)
		}
		if groupNames[g.Name] {
			return fmt.Errorf("routing.upstream_groups: duplicate group name %q", g.Name)
		}
		groupNames[g.Name] = true
		for _, r := range g.Resolvers {
			if err := validateResolver(r); err != nil {
				return fmt.Errorf("routing.upstream_groups[%s]: %w", g.Name, err)
			}
		}
	}

	if c.DNSResolver.Routing.Enabled {
		defaultGroup := c.DNSResolver.Routing.DefaultGroup
		if defaultGroup != BlackholeGroup && defaultGroup != "default" && !groupNames[defaultGroup] {
			return fmt.Errorf("routing.default_group %q is not a known upstream group", defaultGroup)
		}
		for i, rule := range c.DNSResolver.Routing.Rules {
			switch rule.Match.Type {
			case "exact", "suffix", "regex":
			default:
				return fmt.Errorf("routing.rules[%d]: unknown match type %q", i, rule.Match.Type)
			}
			if len(rule.Match.Values) == 0 {
				return fmt.Errorf("routing.rules[%d]: match.values must not be empty", i)
			}
			if rule.UpstreamGroup != BlackholeGroup && rule.UpstreamGroup != "default" && !groupNames[rule.UpstreamGroup] {
				return fmt.Errorf("routing.rules[%d]: unknown upstream_group %q", i, rule.UpstreamGroup)
			}
		}
	}
	return nil
}

func validateResolver(r ResolverConfig) error {
	if r.Address == "" {
		return fmt.Errorf("resolver address must not be empty")
	}
	switch r.Protocol {
	case "udp", "tcp", "doh", "doq":
	default:
		return fmt.Errorf("resolver %q: unsupported protocol %q", r.Address, r.Protocol)
	}
	return nil
}
