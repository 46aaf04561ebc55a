// Package dohserver implements the DNS-over-HTTPS (RFC 8484) request
// handler: decode, fingerprint, cache/coalesce, route, dispatch-or-blackhole,
// encode.
package dohserver

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/miekg/dns"

	"github.com/nullpath/dohfwd/internal/cache"
	"github.com/nullpath/dohfwd/internal/config"
	"github.com/nullpath/dohfwd/internal/fingerprint"
	"github.com/nullpath/dohfwd/internal/metrics"
	"github.com/nullpath/dohfwd/internal/ratelimit"
	"github.com/nullpath/dohfwd/internal/router"
)

const (
	defaultPath   = "/dns-query"
	dnsMsgMaxSize = 8192
	dnsMsgType    = "application/dns-message"
)

var errBodyTooLarge = errors.New("dohserver: request body exceeds size limit")

// Dispatcher is the subset of upstream.Dispatcher the handler needs,
// narrowed to an interface so tests can substitute a fake.
type Dispatcher interface {
	Exchange(ctx context.Context, group string, query *dns.Msg) (*dns.Msg, error)
}

// Handler implements the core DoH processing sequence as an http.Handler:
// GET ?dns=<base64url> or POST application/dns-message, decode, fingerprint,
// cache lookup (coalesced on miss), route to an upstream group, dispatch (or
// synthesize NXDOMAIN for the blackhole group), encode the response.
type Handler struct {
	Path       string
	Cache      *cache.Cache
	Router     *router.Router
	Dispatcher Dispatcher
	Limiter    *ratelimit.Limiter
	Logger     *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := h.Path
	if path == "" {
		path = defaultPath
	}
	if r.URL.Path != path {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		h.fail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if r.Method == http.MethodPost {
		if ct := contentType(r); ct != dnsMsgType {
			h.fail(w, http.StatusUnsupportedMediaType, "unsupported content type")
			return
		}
	}

	clientIP := clientIP(r)
	if h.Limiter != nil {
		if !h.Limiter.Allow(clientIP) {
			metrics.RecordRateLimited()
			h.fail(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		defer h.Limiter.Release(clientIP)
	}

	raw, err := h.readQuery(r)
	if err != nil || len(raw) == 0 {
		h.fail(w, http.StatusBadRequest, "bad request")
		return
	}

	query := new(dns.Msg)
	if err := query.Unpack(raw); err != nil {
		h.fail(w, http.StatusBadRequest, "invalid dns message")
		return
	}

	fp, ok := fingerprint.Of(query)
	if !ok {
		h.fail(w, http.StatusBadRequest, "query has no question")
		return
	}

	group := h.Router.Route(fp.Name)
	metrics.RecordRouterDecision(group)

	resp, err := h.Cache.Resolve(r.Context(), fp, func(ctx context.Context) (*dns.Msg, error) {
		return h.dispatch(ctx, group, query)
	})
	if err != nil {
		h.logf("upstream resolution failed", "group", group, "name", fp.Name, "error", err)
		h.fail(w, http.StatusBadGateway, "resolution failed")
		return
	}
	defer cache.ReleaseMsg(resp)

	// resp may be a cached answer produced for an earlier, different query
	// with the same fingerprint; its id and question casing belong to that
	// query, not this one, so both are rewritten before the reply goes out.
	reply := resp.Copy()
	reply.Id = query.Id
	reply.Question = query.Question

	packed, err := reply.Pack()
	if err != nil {
		h.fail(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(packed)
	metrics.RecordHTTPRequest("2xx")
}

func (h *Handler) dispatch(ctx context.Context, group string, query *dns.Msg) (*dns.Msg, error) {
	if group == config.BlackholeGroup {
		metrics.RecordBlackholeHit()
		return blackholeResponse(query), nil
	}
	return h.Dispatcher.Exchange(ctx, group, query)
}

// blackholeResponse synthesizes an NXDOMAIN with no upstream I/O, per the
// reserved blackhole group's contract.
func blackholeResponse(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeNameError)
	return resp
}

func (h *Handler) readQuery(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodGet {
		return base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
	}
	defer r.Body.Close()
	// Read one byte past the limit so a body that exactly fills the buffer
	// can be told apart from one that overflows it.
	data, err := io.ReadAll(io.LimitReader(r.Body, dnsMsgMaxSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > dnsMsgMaxSize {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func contentType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	codeClass := "4xx"
	if status >= 500 {
		codeClass = "5xx"
	}
	metrics.RecordHTTPRequest(codeClass)
	http.Error(w, msg, status)
}

func (h *Handler) logf(msg string, args ...any) {
	if h.Logger != nil {
		h.Logger.Warn(msg, args...)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
