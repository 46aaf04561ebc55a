// Package control implements the minimal authenticated admin endpoint:
// routing reload, cache stats, and the configured upstream groups.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/nullpath/dohfwd/internal/cache"
	"github.com/nullpath/dohfwd/internal/config"
	"github.com/nullpath/dohfwd/internal/router"
)

// RouterBuilder builds a new *router.Router from a freshly loaded config, so
// /routing/reload can swap it in atomically.
type RouterBuilder func(cfg config.Config) (*router.Router, error)

// Deps holds the control server's collaborators.
type Deps struct {
	ConfigPath    string
	Cache         *cache.Cache
	CurrentConfig func() config.Config
	SetRouter     func(*router.Router)
	BuildRouter   RouterBuilder
	Logger        *slog.Logger
}

// NewServer builds the control *http.Server per cfg. Returns nil if control
// is disabled.
func NewServer(cfg config.ControlConfig, deps Deps) *http.Server {
	if !cfg.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/cache/stats", authorized(cfg.AdminTokenHash, handleCacheStats(deps.Cache)))
	mux.HandleFunc("/upstreams", authorized(cfg.AdminTokenHash, handleUpstreams(deps.CurrentConfig)))
	mux.HandleFunc("/routing/reload", authorized(cfg.AdminTokenHash,
		rateLimited(handleRoutingReload(deps), rate.Every(10*time.Second), 1)))

	return &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func handleCacheStats(c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.Stats())
	}
}

func handleUpstreams(current func() config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := current()
		writeJSON(w, http.StatusOK, map[string]any{
			"default":         cfg.DNSResolver.Upstream.Resolvers,
			"routing_enabled": cfg.DNSResolver.Routing.Enabled,
			"groups":          cfg.DNSResolver.Routing.UpstreamGroups,
		})
	}
}

func handleRoutingReload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "POST required"})
			return
		}
		cfg, err := config.Load(deps.ConfigPath)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		newRouter, err := deps.BuildRouter(cfg)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		deps.SetRouter(newRouter)
		if deps.Logger != nil {
			deps.Logger.Info("routing config reloaded", "path", deps.ConfigPath)
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded"})
	}
}

// rateLimited wraps h with a shared token-bucket limiter, independent of the
// per-IP request limiter in front of the DoH handler.
func rateLimited(h http.HandlerFunc, refill rate.Limit, burst int) http.HandlerFunc {
	limiter := rate.NewLimiter(refill, burst)
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
			return
		}
		h(w, r)
	}
}

// authorized requires a bearer token matching tokenHash (bcrypt). An empty
// hash disables authorization entirely -- useful for local/dev control
// servers bound to loopback only.
func authorized(tokenHash string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tokenHash == "" {
			h(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)) != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid or missing admin token"})
			return
		}
		h(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Shutdown gracefully stops srv.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
