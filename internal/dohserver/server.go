package dohserver

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nullpath/dohfwd/internal/metrics"
)

// NewServer builds the *http.Server exposing the DoH handler plus /health
// and /metrics, with the handler-wide deadline enforced via
// http.TimeoutHandler; an expired deadline is answered with 504.
func NewServer(addr string, handler *Handler, timeout time.Duration) *http.Server {
	mux := http.NewServeMux()
	timed := http.TimeoutHandler(handler, timeout, "request timed out")
	mux.Handle(pathOrDefault(handler.Path), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timed.ServeHTTP(gatewayTimeoutWriter{w}, r)
	}))
	mux.HandleFunc("/health", handleHealth)
	if reg := metrics.Registry(); reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// gatewayTimeoutWriter turns the 503 that http.TimeoutHandler writes on
// expiry into 504. The DoH handler itself never answers 503.
type gatewayTimeoutWriter struct{ http.ResponseWriter }

func (w gatewayTimeoutWriter) WriteHeader(status int) {
	if status == http.StatusServiceUnavailable {
		status = http.StatusGatewayTimeout
	}
	w.ResponseWriter.WriteHeader(status)
}

func pathOrDefault(path string) string {
	if path == "" {
		return defaultPath
	}
	return path
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Shutdown gracefully stops srv, bounded by ctx.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
