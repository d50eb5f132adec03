package rpcpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
)

// stubClient satisfies solpay.RPCClient for pool wiring tests; only the
// endpoint identity matters here.
type stubClient struct {
	endpoint string
}

func (s *stubClient) GetHealth(ctx context.Context) (string, error) {
	return rpc.HealthOk, nil
}

func (s *stubClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return nil, nil
}

func (s *stubClient) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return nil, nil
}

func (s *stubClient) GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return nil, nil
}

func (s *stubClient) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return nil, nil
}

func (s *stubClient) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return nil, nil
}

func (s *stubClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func newTestPool(t *testing.T, endpoints []string, dials *int64) *Pool {
	t.Helper()
	var probes int64
	monitor := NewMonitor(endpoints, endpoints[0], time.Minute,
		countingProbe(nil, nil, &probes), zap.NewNop())
	return NewPool(monitor, zap.NewNop(), WithDialer(func(endpoint string) solpay.RPCClient {
		atomic.AddInt64(dials, 1)
		return &stubClient{endpoint: endpoint}
	}))
}

func TestPoolConnection_Memoized(t *testing.T) {
	var dials int64
	p := newTestPool(t, []string{"https://rpc-a.example"}, &dials)

	c1 := p.Connection("https://rpc-a.example")
	c2 := p.Connection("https://rpc-a.example")

	assert.Same(t, c1, c2)
	assert.EqualValues(t, 1, atomic.LoadInt64(&dials))
}

func TestPoolCreatePool_BindsAllHandlesToOneEndpoint(t *testing.T) {
	var dials int64
	p := newTestPool(t, []string{"https://rpc-a.example", "https://rpc-b.example"}, &dials)

	handles := p.CreatePool(context.Background(), 3)

	require.Len(t, handles, 3)
	endpoint := handles[0].(*stubClient).endpoint
	for _, h := range handles {
		assert.Equal(t, endpoint, h.(*stubClient).endpoint)
	}
}

func TestPoolReset_DropsHandlesAndHealth(t *testing.T) {
	var dials int64
	p := newTestPool(t, []string{"https://rpc-a.example"}, &dials)

	c1 := p.Connection("https://rpc-a.example")
	p.Reset()
	c2 := p.Connection("https://rpc-a.example")

	assert.NotSame(t, c1, c2)
	assert.EqualValues(t, 2, atomic.LoadInt64(&dials))
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		if attempts < 2 {
			return assert.AnError
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_SurfacesLastErrorAfterExhaustion(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, attempts)
}

func TestRetry_HonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, 3, 50*time.Millisecond, func() error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, context.Canceled)
}
