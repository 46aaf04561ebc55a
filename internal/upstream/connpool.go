package upstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
)

// connPoolSize is the max idle connections kept per upstream address.
const connPoolSize = 10

// pooledConn wraps a connection with its idle timestamp for reuse decisions.
type pooledConn struct {
	conn      *dns.Conn
	idleSince time.Time
}

// connPool holds reusable stream connections (TCP or DoT) for a single
// upstream address, generalized over whichever *dns.Client the caller
// supplies.
type connPool struct {
	client      *dns.Client
	addr        string
	ch          chan *pooledConn
	idleTimeout time.Duration // 0 = no limit
	drained     atomic.Bool
}

func newConnPool(client *dns.Client, addr string, idleTimeout time.Duration) *connPool {
	return &connPool{
		client:      client,
		addr:        addr,
		ch:          make(chan *pooledConn, connPoolSize),
		idleTimeout: idleTimeout,
	}
}

func isRetriableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "EOF") ||
		strings.Contains(s, "write:") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "use of closed network connection")
}

// exchange gets a connection (pooled or new), performs the exchange, and
// returns the connection to the pool. A retriable error on a pooled
// connection is retried once against a freshly dialed connection.
func (p *connPool) exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, time.Duration, error) {
	conn, fromPool := p.getConn(ctx)
	if conn == nil {
		return nil, 0, context.DeadlineExceeded
	}
	resp, rtt, err := p.client.ExchangeWithConnContext(ctx, req, conn)
	if err != nil && fromPool && isRetriableError(err) {
		conn.Close()
		conn, err = p.client.DialContext(ctx, p.addr)
		if err != nil {
			return nil, rtt, err
		}
		resp, rtt, err = p.client.ExchangeWithConnContext(ctx, req, conn)
		if err != nil {
			conn.Close()
			return nil, rtt, err
		}
		p.putConn(conn, false)
		return resp, rtt, nil
	}
	p.putConn(conn, err != nil)
	return resp, rtt, err
}

func (p *connPool) getConn(ctx context.Context) (*dns.Conn, bool) {
	select {
	case pc := <-p.ch:
		if pc == nil || pc.conn == nil {
			// fall through to dial
		} else if p.idleTimeout > 0 && time.Since(pc.idleSince) > p.idleTimeout {
			pc.conn.Close()
		} else {
			return pc.conn, true
		}
	default:
	}
	conn, err := p.client.DialContext(ctx, p.addr)
	if err != nil {
		return nil, false
	}
	return conn, false
}

func (p *connPool) putConn(conn *dns.Conn, hadError bool) {
	if hadError || conn == nil {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if p.drained.Load() {
		conn.Close()
		return
	}
	select {
	case p.ch <- &pooledConn{conn: conn, idleSince: time.Now()}:
	default:
		conn.Close()
	}
}

// drain closes every pooled connection and stops future ones from being
// returned to the pool. Call before discarding the pool.
func (p *connPool) drain() {
	p.drained.Store(true)
	for {
		select {
		case pc := <-p.ch:
			if pc != nil && pc.conn != nil {
				pc.conn.Close()
			}
		default:
			return
		}
	}
}
