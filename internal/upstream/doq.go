package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/tantalor93/doq-go/doq"
)

// doqClient is the subset of *doq.Client used here; defined as an interface
// so tests can substitute a fake DoQ server/client.
type doqClient interface {
	Send(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// doqExchange performs a DNS-over-QUIC query. Address format: quic://host:port.
func (d *Dispatcher) doqExchange(ctx context.Context, req *dns.Msg, endpoint ResolverEndpoint, timeout time.Duration) (*dns.Msg, error) {
	client := d.doqClientFor(endpoint.Address, timeout)
	return client.Send(ctx, req)
}

// doqClientFor returns the cached DoQ client for address, creating it (and
// its underlying QUIC connection) if needed. Connections are reused across
// queries the same way the TCP/DoT pools are.
func (d *Dispatcher) doqClientFor(address string, timeout time.Duration) doqClient {
	d.doqMu.RLock()
	if c, ok := d.doqClientCache[address]; ok {
		d.doqMu.RUnlock()
		return c
	}
	d.doqMu.RUnlock()

	d.doqMu.Lock()
	defer d.doqMu.Unlock()
	if c, ok := d.doqClientCache[address]; ok {
		return c
	}
	addr := strings.TrimPrefix(address, "quic://")
	client := doq.NewClient(addr,
		doq.WithConnectTimeout(timeout),
		doq.WithReadTimeout(timeout),
		doq.WithWriteTimeout(timeout),
	)
	if d.doqClientCache == nil {
		d.doqClientCache = make(map[string]doqClient)
	}
	d.doqClientCache[address] = client
	return client
}
