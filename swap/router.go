package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/rpcpool"
)

// QuoteRequest is a router-level quote request. Bypass skips the pair cache
// for callers that need exact pricing for a materially different amount.
type QuoteRequest struct {
	InputToken  string
	OutputToken string
	Amount      uint64
	SlippageBps int
	Bypass      bool
}

// RouterConfig bounds quoting behavior.
type RouterConfig struct {
	RouteTTL      time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Router resolves quotes through the aggregation service, coalescing and
// caching per token pair, and hands off unsigned swap transactions.
type Router struct {
	pool  *rpcpool.Pool
	agg   solpay.Aggregator
	cache *Cache
	cfg   RouterConfig
	log   *zap.Logger
}

// NewRouter creates a swap router on top of the connection pool and the
// aggregation service.
func NewRouter(pool *rpcpool.Pool, agg solpay.Aggregator, cache *Cache, cfg RouterConfig, log *zap.Logger) *Router {
	if cfg.RouteTTL <= 0 {
		cfg.RouteTTL = 10 * time.Second
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 3
	}
	return &Router{pool: pool, agg: agg, cache: cache, cfg: cfg, log: log}
}

// Quote returns a priced route for the pair. Cache hits are returned
// unchanged; on a miss, concurrent callers for the same pair coalesce into a
// single aggregator call and all observe the identical result or error.
func (r *Router) Quote(ctx context.Context, req QuoteRequest) (*solpay.Quote, error) {
	key := Key(req.InputToken, req.OutputToken)

	if req.Bypass {
		quote, err := r.fetch(ctx, req)
		if err != nil {
			return nil, err
		}
		r.cache.Put(key, quote)
		return quote, nil
	}

	status, cached, f := r.cache.CheckAndMark(key)
	switch status {
	case StatusCached:
		return cached, nil
	case StatusInFlight:
		return r.cache.Wait(ctx, f)
	}

	quote, err := r.fetch(ctx, req)
	if err != nil {
		r.cache.Fail(key, err, f)
		return nil, err
	}
	r.cache.Complete(key, quote, f)
	return quote, nil
}

// fetch resolves the best endpoint, queries the aggregator for candidate
// routes, and selects the route with the maximum output amount.
func (r *Router) fetch(ctx context.Context, req QuoteRequest) (*solpay.Quote, error) {
	// The failover decision is taken before quoting so that execution and
	// confirmation land on the same endpoint choice.
	endpoint := r.pool.Monitor().BestEndpoint(ctx)

	var routes []solpay.Route
	var definitive error
	err := rpcpool.Retry(ctx, r.cfg.RetryAttempts, r.cfg.RetryDelay, func() error {
		var fetchErr error
		routes, fetchErr = r.agg.ComputeRoutes(ctx, solpay.RouteRequest{
			InputMint:   req.InputToken,
			OutputMint:  req.OutputToken,
			Amount:      req.Amount,
			SlippageBps: req.SlippageBps,
		})
		// Empty or malformed route sets are definitive, not transient;
		// do not burn retries on them.
		var pe *solpay.PaymentError
		if errors.As(fetchErr, &pe) {
			definitive = fetchErr
			return nil
		}
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("compute routes: %w", err)
	}
	if definitive != nil {
		return nil, definitive
	}
	if len(routes) == 0 {
		return nil, solpay.NewPaymentError(solpay.ErrCodeRouteNotFound,
			"no routes found for pair",
			map[string]interface{}{"inputToken": req.InputToken, "outputToken": req.OutputToken})
	}

	best := routes[0]
	for _, route := range routes[1:] {
		if route.OutAmount > best.OutAmount {
			best = route
		}
	}

	now := time.Now()
	quote := &solpay.Quote{
		InputToken:     req.InputToken,
		OutputToken:    req.OutputToken,
		InAmount:       best.InAmount,
		OutAmount:      best.OutAmount,
		SlippageBps:    req.SlippageBps,
		PriceImpactPct: best.PriceImpactPct,
		Route:          best,
		FetchedAt:      now,
		ExpiresAt:      now.Add(r.cfg.RouteTTL),
	}

	r.log.Debug("quote fetched",
		zap.String("endpoint", endpoint),
		zap.String("pair", Key(req.InputToken, req.OutputToken)),
		zap.Uint64("inAmount", quote.InAmount),
		zap.Uint64("outAmount", quote.OutAmount),
		zap.String("priceImpactPct", quote.PriceImpactPct.String()),
	)
	return quote, nil
}

// BuildSwap obtains the unsigned swap transaction for the quote's route and
// stamps it with a fresh blockhash from the best endpoint. Execution against
// an expired quote is refused; the caller must re-quote.
func (r *Router) BuildSwap(ctx context.Context, quote *solpay.Quote, payer solana.PublicKey) (*solana.Transaction, error) {
	if quote.Expired(time.Now()) {
		return nil, solpay.NewPaymentError(solpay.ErrCodeQuoteExpired,
			"quote expired, re-quote before execution",
			map[string]interface{}{"expiresAt": quote.ExpiresAt})
	}

	var tx *solana.Transaction
	var definitive error
	err := rpcpool.Retry(ctx, r.cfg.RetryAttempts, r.cfg.RetryDelay, func() error {
		var buildErr error
		tx, buildErr = r.agg.BuildSwapTransaction(ctx, quote.Route, payer)
		var pe *solpay.PaymentError
		if errors.As(buildErr, &pe) {
			definitive = buildErr
			return nil
		}
		return buildErr
	})
	if err != nil {
		return nil, fmt.Errorf("build swap transaction: %w", err)
	}
	if definitive != nil {
		return nil, definitive
	}

	conn := r.pool.Best(ctx)
	var blockhash *rpc.GetLatestBlockhashResult
	err = rpcpool.Retry(ctx, r.cfg.RetryAttempts, r.cfg.RetryDelay, func() error {
		var bhErr error
		blockhash, bhErr = conn.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
		return bhErr
	})
	if err != nil {
		return nil, fmt.Errorf("get latest blockhash: %w", err)
	}
	tx.Message.RecentBlockhash = blockhash.Value.Blockhash

	return tx, nil
}
