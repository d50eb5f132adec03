package rpcpool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
)

// Pool memoizes one connection handle per endpoint and hands out batches of
// handles bound to the currently best endpoint. Handles are owned by the
// pool; Reset invalidates all of them.
type Pool struct {
	monitor *Monitor
	dial    DialFunc
	log     *zap.Logger

	mu    sync.Mutex
	conns map[string]solpay.RPCClient
}

// PoolOption customizes pool construction.
type PoolOption func(*Pool)

// WithDialer overrides how connection handles are created. Tests use this to
// substitute fake clients.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *Pool) { p.dial = dial }
}

// NewPool creates a connection pool on top of the health monitor.
func NewPool(monitor *Monitor, log *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		monitor: monitor,
		dial:    DefaultDial,
		log:     log,
		conns:   make(map[string]solpay.RPCClient),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connection returns the memoized handle for the endpoint, creating one on
// first use.
func (p *Pool) Connection(endpoint string) solpay.RPCClient {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[endpoint]; ok {
		return conn
	}
	conn := p.dial(endpoint)
	p.conns[endpoint] = conn
	return conn
}

// Best resolves the currently best endpoint and returns its handle.
func (p *Pool) Best(ctx context.Context) solpay.RPCClient {
	return p.Connection(p.monitor.BestEndpoint(ctx))
}

// CreatePool resolves the best endpoint once and returns size handles bound
// to it, so one failover decision covers an entire batch of work.
func (p *Pool) CreatePool(ctx context.Context, size int) []solpay.RPCClient {
	endpoint := p.monitor.BestEndpoint(ctx)
	handles := make([]solpay.RPCClient, size)
	for i := range handles {
		handles[i] = p.dial(endpoint)
	}
	return handles
}

// Monitor exposes the underlying health monitor.
func (p *Pool) Monitor() *Monitor {
	return p.monitor
}

// Reset drops every handle and all cached health data, forcing endpoint
// re-evaluation on next use.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.conns = make(map[string]solpay.RPCClient)
	p.mu.Unlock()
	p.monitor.Reset()
}

// Retry runs fn up to attempts times with a fixed delay between tries,
// stopping early on success or context cancellation. Network-class RPC and
// aggregator calls go through this before their errors surface.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
