// Package rpcpool maintains a health-scored view of the configured Solana
// RPC endpoints and memoizes connection handles bound to the fastest one.
package rpcpool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
)

// DialFunc creates an RPC client bound to one endpoint.
type DialFunc func(endpoint string) solpay.RPCClient

// DefaultDial dials the real JSON-RPC endpoint.
func DefaultDial(endpoint string) solpay.RPCClient {
	return rpc.New(endpoint)
}

// ProbeFunc checks liveness of one endpoint. A non-nil error marks the
// endpoint unhealthy; it is recorded, never propagated.
type ProbeFunc func(ctx context.Context, endpoint string) error

// HealthProbe builds the default probe: a getHealth round trip through a
// freshly dialed client.
func HealthProbe(dial DialFunc) ProbeFunc {
	return func(ctx context.Context, endpoint string) error {
		out, err := dial(endpoint).GetHealth(ctx)
		if err != nil {
			return err
		}
		if out != rpc.HealthOk {
			return fmt.Errorf("endpoint reported %q", out)
		}
		return nil
	}
}

// Monitor probes endpoints and caches per-endpoint health records for a TTL.
// Each endpoint owns its own lock, so probes of distinct endpoints never
// serialize against each other.
type Monitor struct {
	endpoints       []string
	defaultEndpoint string
	ttl             time.Duration
	probe           ProbeFunc
	log             *zap.Logger

	mu     sync.RWMutex
	states map[string]*endpointState
}

type endpointState struct {
	mu     sync.Mutex
	record solpay.HealthRecord
}

// NewMonitor creates a monitor over the configured endpoint set. The default
// endpoint is the soft-fail fallback when nothing is healthy.
func NewMonitor(endpoints []string, defaultEndpoint string, ttl time.Duration, probe ProbeFunc, log *zap.Logger) *Monitor {
	return &Monitor{
		endpoints:       endpoints,
		defaultEndpoint: defaultEndpoint,
		ttl:             ttl,
		probe:           probe,
		log:             log,
		states:          make(map[string]*endpointState),
	}
}

func (m *Monitor) state(endpoint string) *endpointState {
	m.mu.RLock()
	st, ok := m.states[endpoint]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.states[endpoint]; ok {
		return st
	}
	st = &endpointState{}
	m.states[endpoint] = st
	return st
}

// CheckHealth returns the cached health record for the endpoint, probing only
// when the cached record is older than the TTL. Probe failures become data:
// the endpoint is marked unhealthy and the error is logged, not returned.
func (m *Monitor) CheckHealth(ctx context.Context, endpoint string) solpay.HealthRecord {
	st := m.state(endpoint)

	// Holding the per-endpoint lock across the probe guarantees at most one
	// in-flight probe per endpoint while leaving other endpoints free.
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if !st.record.LastChecked.IsZero() && now.Sub(st.record.LastChecked) < m.ttl {
		return st.record
	}

	start := time.Now()
	err := m.probe(ctx, endpoint)
	latency := time.Since(start)

	if err != nil {
		m.log.Warn("rpc endpoint health check failed",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		st.record = solpay.HealthRecord{
			Healthy:     false,
			LastChecked: now,
			Err:         err.Error(),
		}
		return st.record
	}

	st.record = solpay.HealthRecord{
		Healthy:     true,
		Latency:     latency,
		LastChecked: now,
	}
	return st.record
}

// BestEndpoint probes all configured endpoints in parallel, filters to the
// healthy ones, and returns the lowest-latency member. When nothing is
// healthy it degrades to the configured default rather than failing.
func (m *Monitor) BestEndpoint(ctx context.Context) string {
	type scored struct {
		endpoint string
		record   solpay.HealthRecord
	}

	results := make([]scored, len(m.endpoints))
	var wg sync.WaitGroup
	for i, endpoint := range m.endpoints {
		wg.Add(1)
		go func(i int, endpoint string) {
			defer wg.Done()
			results[i] = scored{endpoint: endpoint, record: m.CheckHealth(ctx, endpoint)}
		}(i, endpoint)
	}
	wg.Wait()

	healthy := results[:0:0]
	for _, r := range results {
		if r.record.Healthy {
			healthy = append(healthy, r)
		}
	}

	if len(healthy) == 0 {
		m.log.Warn("no healthy rpc endpoints, using default",
			zap.String("endpoint", m.defaultEndpoint),
		)
		return m.defaultEndpoint
	}

	sort.Slice(healthy, func(i, j int) bool {
		return healthy[i].record.Latency < healthy[j].record.Latency
	})
	return healthy[0].endpoint
}

// HealthyEndpoints returns every endpoint currently judged healthy.
func (m *Monitor) HealthyEndpoints(ctx context.Context) []string {
	var out []string
	for _, endpoint := range m.endpoints {
		if m.CheckHealth(ctx, endpoint).Healthy {
			out = append(out, endpoint)
		}
	}
	return out
}

// Endpoints returns the configured endpoint set.
func (m *Monitor) Endpoints() []string {
	return m.endpoints
}

// DefaultEndpoint returns the soft-fail fallback endpoint.
func (m *Monitor) DefaultEndpoint() string {
	return m.defaultEndpoint
}

// Reset drops all cached health records, forcing fresh probes.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = make(map[string]*endpointState)
}
