// Command dohfwd runs the DNS-over-HTTPS forwarding resolver: it accepts
// RFC 8484 queries over HTTP, routes them to an upstream group, dispatches
// with sequential failover, and caches answers per their TTL.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/nullpath/dohfwd/internal/cache"
	"github.com/nullpath/dohfwd/internal/config"
	"github.com/nullpath/dohfwd/internal/control"
	"github.com/nullpath/dohfwd/internal/dohserver"
	"github.com/nullpath/dohfwd/internal/logging"
	"github.com/nullpath/dohfwd/internal/metrics"
	"github.com/nullpath/dohfwd/internal/ratelimit"
	"github.com/nullpath/dohfwd/internal/router"
	"github.com/nullpath/dohfwd/internal/upstream"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "hash-admin-token" {
		if err := runHashAdminToken(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "hash-admin-token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to YAML config")
	flag.Parse()

	metrics.Init()

	bootLogger := logging.NewDefaultLogger(os.Stdout)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal(bootLogger, "failed to load config", "error", err)
	}

	logger := logging.NewLogger(os.Stdout, logging.Config{
		Format: cfg.Logging.Format,
		Level:  cfg.Logging.Level,
	})

	cacheClient := cache.New(cfg.DNSResolver.Cache, logger)
	defer func() { _ = cacheClient.Close() }()

	dispatcher := upstream.New(buildGroups(cfg), upstream.HTTPClientConfig{
		Timeout:             cfg.DNSResolver.HTTPClient.Timeout.Duration,
		IdleTimeout:         cfg.DNSResolver.HTTPClient.Pool.IdleTimeout.Duration,
		MaxIdleConnsPerHost: cfg.DNSResolver.HTTPClient.Pool.MaxIdleConnections,
		UserAgent:           cfg.DNSResolver.HTTPClient.Request.UserAgent,
	})
	defer dispatcher.Close()

	rt, err := buildRouter(cfg)
	if err != nil {
		logging.Fatal(logger, "failed to build router", "error", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.HTTPServer.RateLimit.Enabled {
		limiter = ratelimit.New(cfg.HTTPServer.RateLimit.PerIPRate, cfg.HTTPServer.RateLimit.PerIPConcurrent)
	}

	handler := &dohserver.Handler{
		Cache:      cacheClient,
		Router:     rt,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Logger:     logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := dohserver.NewServer(cfg.HTTPServer.ListenAddr, handler, cfg.HTTPServer.Timeout.Duration)

	var routerMu sync.RWMutex
	currentCfg := cfg
	controlServer := control.NewServer(cfg.Control, control.Deps{
		ConfigPath: *configPath,
		Cache:      cacheClient,
		CurrentConfig: func() config.Config {
			routerMu.RLock()
			defer routerMu.RUnlock()
			return currentCfg
		},
		SetRouter: func(newRouter *router.Router) {
			routerMu.Lock()
			handler.Router = newRouter
			routerMu.Unlock()
		},
		BuildRouter: func(reloaded config.Config) (*router.Router, error) {
			newRouter, err := buildRouter(reloaded)
			if err != nil {
				return nil, err
			}
			routerMu.Lock()
			currentCfg = reloaded
			routerMu.Unlock()
			return newRouter, nil
		},
		Logger: logger,
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("doh server listening", "addr", cfg.HTTPServer.ListenAddr)
		if cfg.HTTPServer.TLSCert != "" && cfg.HTTPServer.TLSKey != "" {
			if err := httpServer.ListenAndServeTLS(cfg.HTTPServer.TLSCert, cfg.HTTPServer.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	if controlServer != nil {
		go func() {
			logger.Info("control server listening", "addr", cfg.Control.ListenAddr)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = dohserver.Shutdown(shutdownCtx, httpServer)
	if controlServer != nil {
		_ = control.Shutdown(shutdownCtx, controlServer)
	}
}

// buildGroups assembles the dispatcher's upstream groups: "default" from the
// top-level resolver list, plus one per configured routing group.
func buildGroups(cfg config.Config) []upstream.Group {
	groups := []upstream.Group{
		groupFromConfig("default", cfg.DNSResolver.Upstream.Resolvers, cfg.DNSResolver.Upstream.QueryTimeout.Duration, cfg.DNSResolver.Upstream.Backoff.Duration),
	}
	for _, g := range cfg.DNSResolver.Routing.UpstreamGroups {
		groups = append(groups, groupFromConfig(g.Name, g.Resolvers, g.QueryTimeout.Duration, g.Backoff.Duration))
	}
	return groups
}

func groupFromConfig(name string, resolvers []config.ResolverConfig, timeout, backoff time.Duration) upstream.Group {
	endpoints := make([]upstream.ResolverEndpoint, 0, len(resolvers))
	for _, r := range resolvers {
		endpoints = append(endpoints, upstream.ResolverEndpoint{
			Address:  r.Address,
			Protocol: upstream.Protocol(r.Protocol),
			SNI:      r.SNI,
		})
	}
	return upstream.Group{
		Name:      name,
		Endpoints: endpoints,
		Timeout:   timeout,
		Backoff:   backoff,
	}
}

// buildRouter constructs the routing table from cfg, including the implicit
// "default" group and the reserved blackhole group.
func buildRouter(cfg config.Config) (*router.Router, error) {
	knownGroups := map[string]bool{"default": true}
	for _, g := range cfg.DNSResolver.Routing.UpstreamGroups {
		knownGroups[g.Name] = true
	}

	rules := make([]router.RuleConfig, 0, len(cfg.DNSResolver.Routing.Rules))
	for _, rule := range cfg.DNSResolver.Routing.Rules {
		rules = append(rules, router.RuleConfig{
			Kind:     router.MatchKind(rule.Match.Type),
			Patterns: rule.Match.Values,
			Target:   rule.UpstreamGroup,
		})
	}

	return router.New(cfg.DNSResolver.Routing.Enabled, cfg.DNSResolver.Routing.DefaultGroup, rules, knownGroups, config.BlackholeGroup)
}

// runHashAdminToken hashes an admin bearer token with bcrypt and prints it,
// for pasting into control.admin_token_hash.
func runHashAdminToken(args []string) error {
	var token string
	if len(args) >= 1 && args[0] != "" {
		token = args[0]
	}
	if token == "" {
		fmt.Print("Enter admin token: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no token provided")
		}
		token = scanner.Text()
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}
