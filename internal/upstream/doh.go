package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// dohExchange performs a DNS-over-HTTPS (RFC 8484) query via HTTP POST; GET
// is never used for upstream DoH. 2xx plus an application/dns-message body
// is success; anything else is a transport failure (never a DNS-level error
// -- those arrive packed in a 200 body).
func (d *Dispatcher) dohExchange(ctx context.Context, req *dns.Msg, endpoint ResolverEndpoint) (*dns.Msg, error) {
	packed, err := req.Pack()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.Address, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/dns-message")
	httpReq.Header.Set("Accept", "application/dns-message")
	if d.userAgent != "" {
		httpReq.Header.Set("User-Agent", d.userAgent)
	}

	resp, err := d.dohClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("doh upstream %s returned status %d: %s", endpoint.Address, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/dns-message") {
		return nil, fmt.Errorf("doh upstream %s returned unexpected content-type %q", endpoint.Address, ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh response unpack: %w", err)
	}
	return msg, nil
}

// newDoHTransport builds the shared, bounded HTTP transport used for every
// DoH upstream exchange, per the configured connection pool limits.
func newDoHTransport(idleTimeout time.Duration, maxIdleConnsPerHost int) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.IdleConnTimeout = idleTimeout
	t.MaxIdleConnsPerHost = maxIdleConnsPerHost
	return t
}
