package swap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/rpcpool"
)

// fakeAggregator scripts aggregator behavior per test.
type fakeAggregator struct {
	mu       sync.Mutex
	calls    int64
	routes   []solpay.Route
	err      error
	buildTx  *solana.Transaction
	buildErr error
}

func (f *fakeAggregator) ComputeRoutes(ctx context.Context, req solpay.RouteRequest) ([]solpay.Route, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.routes, nil
}

func (f *fakeAggregator) BuildSwapTransaction(ctx context.Context, route solpay.Route, payer solana.PublicKey) (*solana.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return f.buildTx, nil
}

// fakeRPC satisfies solpay.RPCClient; router only needs health and blockhash.
type fakeRPC struct{}

func (f *fakeRPC) GetHealth(ctx context.Context) (string, error) { return rpc.HealthOk, nil }

func (f *fakeRPC) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{LastValidBlockHeight: 100},
	}, nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return nil, nil
}

func (f *fakeRPC) GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return nil, nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return nil, nil
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return nil, nil
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func testRouter(t *testing.T, agg solpay.Aggregator) *Router {
	t.Helper()
	endpoints := []string{"https://rpc.example"}
	monitor := rpcpool.NewMonitor(endpoints, endpoints[0], time.Minute,
		func(ctx context.Context, endpoint string) error { return nil }, zap.NewNop())
	pool := rpcpool.NewPool(monitor, zap.NewNop(),
		rpcpool.WithDialer(func(endpoint string) solpay.RPCClient { return &fakeRPC{} }))
	return NewRouter(pool, agg, NewCache(), RouterConfig{
		RouteTTL:      10 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, zap.NewNop())
}

func route(out uint64, impact string) solpay.Route {
	return solpay.Route{
		InputMint:      "So11111111111111111111111111111111111111112",
		OutputMint:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		InAmount:       100_000_000,
		OutAmount:      out,
		PriceImpactPct: decimal.RequireFromString(impact),
	}
}

func TestRouterQuote_SelectsMaxOutputRoute(t *testing.T) {
	agg := &fakeAggregator{routes: []solpay.Route{route(98_000_000, "0.3"), route(99_500_000, "0.4")}}
	r := testRouter(t, agg)

	quote, err := r.Quote(context.Background(), QuoteRequest{
		InputToken:  "So11111111111111111111111111111111111111112",
		OutputToken: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		Amount:      100_000_000,
		SlippageBps: 100,
	})

	require.NoError(t, err)
	assert.EqualValues(t, 99_500_000, quote.OutAmount)
	assert.Equal(t, "0.4", quote.PriceImpactPct.String())
	assert.True(t, quote.ExpiresAt.After(quote.FetchedAt))
}

func TestRouterQuote_RouteNotFound(t *testing.T) {
	agg := &fakeAggregator{routes: nil}
	r := testRouter(t, agg)

	_, err := r.Quote(context.Background(), QuoteRequest{InputToken: "A", OutputToken: "B", Amount: 1})

	require.Error(t, err)
	assert.True(t, solpay.IsCode(err, solpay.ErrCodeRouteNotFound))
	// Definitive miss: no retries burned.
	assert.EqualValues(t, 1, atomic.LoadInt64(&agg.calls))
}

func TestRouterQuote_CacheHitSkipsAggregator(t *testing.T) {
	agg := &fakeAggregator{routes: []solpay.Route{route(99_500_000, "0.4")}}
	r := testRouter(t, agg)
	req := QuoteRequest{InputToken: "A", OutputToken: "B", Amount: 100}

	first, err := r.Quote(context.Background(), req)
	require.NoError(t, err)
	second, err := r.Quote(context.Background(), req)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt64(&agg.calls))
}

func TestRouterQuote_ConcurrentCallersCoalesce(t *testing.T) {
	agg := &fakeAggregator{routes: []solpay.Route{route(99_500_000, "0.4")}}
	r := testRouter(t, agg)
	req := QuoteRequest{InputToken: "A", OutputToken: "B", Amount: 100}

	const callers = 10
	quotes := make([]*solpay.Quote, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := r.Quote(context.Background(), req)
			if !assert.NoError(t, err) {
				return
			}
			quotes[i] = q
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&agg.calls),
		"concurrent callers for one cold pair must issue exactly one aggregator call")
	for i := 1; i < callers; i++ {
		assert.Same(t, quotes[0], quotes[i])
	}
}

func TestRouterQuote_BypassRefetches(t *testing.T) {
	agg := &fakeAggregator{routes: []solpay.Route{route(99_500_000, "0.4")}}
	r := testRouter(t, agg)
	req := QuoteRequest{InputToken: "A", OutputToken: "B", Amount: 100}

	_, err := r.Quote(context.Background(), req)
	require.NoError(t, err)

	req.Bypass = true
	_, err = r.Quote(context.Background(), req)
	require.NoError(t, err)

	assert.EqualValues(t, 2, atomic.LoadInt64(&agg.calls))
}

func TestRouterQuote_NetworkErrorsRetried(t *testing.T) {
	agg := &fakeAggregator{err: errors.New("connection reset")}
	r := testRouter(t, agg)

	_, err := r.Quote(context.Background(), QuoteRequest{InputToken: "A", OutputToken: "B", Amount: 1})

	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt64(&agg.calls))
}

func TestRouterBuildSwap_RefusesExpiredQuote(t *testing.T) {
	agg := &fakeAggregator{buildTx: &solana.Transaction{}}
	r := testRouter(t, agg)

	expired := &solpay.Quote{
		FetchedAt: time.Now().Add(-time.Minute),
		ExpiresAt: time.Now().Add(-50 * time.Second),
	}

	_, err := r.BuildSwap(context.Background(), expired, solana.PublicKey{})

	require.Error(t, err)
	assert.True(t, solpay.IsCode(err, solpay.ErrCodeQuoteExpired))
}

func TestRouterBuildSwap_StampsFreshBlockhash(t *testing.T) {
	agg := &fakeAggregator{buildTx: &solana.Transaction{}}
	r := testRouter(t, agg)

	quote := testQuote("A", "B", 995, time.Minute)
	tx, err := r.BuildSwap(context.Background(), quote, solana.PublicKey{})

	require.NoError(t, err)
	require.NotNil(t, tx)
	// Unsigned: signing is delegated to the external signer.
	assert.Empty(t, tx.Signatures)
}
