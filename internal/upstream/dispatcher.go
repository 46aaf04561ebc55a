package upstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const defaultQueryTimeout = 3 * time.Second

// HTTPClientConfig configures the shared DoH transport's connection pool and
// request identity.
type HTTPClientConfig struct {
	Timeout             time.Duration
	IdleTimeout         time.Duration
	MaxIdleConnsPerHost int
	UserAgent           string
}

// Dispatcher forwards queries to one resolver from a named Group, failing
// over to the next resolver in the group on any transport-level failure. It
// is stateless with respect to in-flight queries: it holds only immutable
// group configuration and shared, poolable transport handles.
type Dispatcher struct {
	groups map[string]Group

	udpClient *dns.Client
	tcpClient *dns.Client
	dohClient *http.Client
	userAgent string

	tcpPoolsMu sync.Mutex
	tcpPools   map[string]*connPool

	doqMu          sync.RWMutex
	doqClientCache map[string]doqClient

	backoffMu    sync.Mutex
	backoffUntil map[string]time.Time
}

// New builds a Dispatcher for the given upstream groups.
func New(groups []Group, httpCfg HTTPClientConfig) *Dispatcher {
	byName := make(map[string]Group, len(groups))
	for _, g := range groups {
		if g.Timeout <= 0 {
			g.Timeout = defaultQueryTimeout
		}
		byName[g.Name] = g
	}
	transport := newDoHTransport(httpCfg.IdleTimeout, httpCfg.MaxIdleConnsPerHost)
	return &Dispatcher{
		groups:         byName,
		udpClient:      &dns.Client{Net: "udp"},
		tcpClient:      &dns.Client{Net: "tcp"},
		dohClient:      &http.Client{Timeout: httpCfg.Timeout, Transport: transport},
		userAgent:      httpCfg.UserAgent,
		tcpPools:       make(map[string]*connPool),
		doqClientCache: make(map[string]doqClient),
		backoffUntil:   make(map[string]time.Time),
	}
}

// Exchange dispatches query to one resolver of the named group, trying each
// endpoint in declared order (skipping any currently in backoff) until one
// succeeds or all fail. ctx bounds the whole call; each individual attempt is
// additionally bounded by the group's query timeout.
func (d *Dispatcher) Exchange(ctx context.Context, groupName string, query *dns.Msg) (*dns.Msg, error) {
	group, ok := d.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGroup, groupName)
	}
	if len(group.Endpoints) == 0 {
		return nil, ErrNoResolvers
	}

	var lastErr error
	attempted := false
	for _, endpoint := range group.Endpoints {
		if group.Backoff > 0 && d.inBackoff(endpoint.Address) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempted = true
		resp, err := d.exchangeOne(ctx, query, endpoint, group.Timeout)
		if err != nil {
			lastErr = err
			if group.Backoff > 0 {
				d.markBackoff(endpoint.Address, group.Backoff)
			}
			continue
		}
		if group.Backoff > 0 {
			d.clearBackoff(endpoint.Address)
		}
		return resp, nil
	}
	if !attempted {
		// every endpoint was in backoff; fall back to trying the first one
		// anyway rather than failing a query purely on stale backoff state.
		endpoint := group.Endpoints[0]
		resp, err := d.exchangeOne(ctx, query, endpoint, group.Timeout)
		if err == nil {
			d.clearBackoff(endpoint.Address)
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return nil, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// exchangeOne performs a single resolver attempt, including the UDP
// truncated-response same-endpoint TCP retry.
func (d *Dispatcher) exchangeOne(ctx context.Context, query *dns.Msg, endpoint ResolverEndpoint, timeout time.Duration) (*dns.Msg, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch endpoint.Protocol {
	case ProtoUDP:
		resp, _, err := d.udpClient.ExchangeContext(attemptCtx, query, endpoint.Address)
		if err != nil {
			return nil, err
		}
		if resp.Truncated {
			tcpCtx, tcpCancel := context.WithTimeout(ctx, timeout)
			defer tcpCancel()
			tcpResp, _, tcpErr := d.tcpPoolFor(endpoint.Address).exchange(tcpCtx, query)
			if tcpErr != nil {
				return nil, tcpErr
			}
			return tcpResp, nil
		}
		return resp, nil
	case ProtoTCP:
		resp, _, err := d.tcpPoolFor(endpoint.Address).exchange(attemptCtx, query)
		return resp, err
	case ProtoDoH:
		return d.dohExchange(attemptCtx, query, endpoint)
	case ProtoDoQ:
		return d.doqExchange(attemptCtx, query, endpoint, timeout)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", endpoint.Protocol)
	}
}

func (d *Dispatcher) tcpPoolFor(address string) *connPool {
	d.tcpPoolsMu.Lock()
	defer d.tcpPoolsMu.Unlock()
	if p, ok := d.tcpPools[address]; ok {
		return p
	}
	p := newConnPool(d.tcpClient, address, 0)
	d.tcpPools[address] = p
	return p
}

func (d *Dispatcher) inBackoff(address string) bool {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	until, ok := d.backoffUntil[address]
	return ok && until.After(time.Now())
}

func (d *Dispatcher) markBackoff(address string, backoff time.Duration) {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	d.backoffUntil[address] = time.Now().Add(backoff)
}

func (d *Dispatcher) clearBackoff(address string) {
	d.backoffMu.Lock()
	defer d.backoffMu.Unlock()
	delete(d.backoffUntil, address)
}

// Close releases pooled connections.
func (d *Dispatcher) Close() {
	d.tcpPoolsMu.Lock()
	for _, p := range d.tcpPools {
		p.drain()
	}
	d.tcpPoolsMu.Unlock()
}
