// Command gateway runs the merchant payment gateway HTTP service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/config"
	"github.com/solpay/gateway/payment"
	"github.com/solpay/gateway/rpcpool"
	"github.com/solpay/gateway/server"
	"github.com/solpay/gateway/settlement"
	"github.com/solpay/gateway/signers/local"
	"github.com/solpay/gateway/swap"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	mint, err := solana.PublicKeyFromBase58(cfg.SettlementMint)
	if err != nil {
		return errors.New("invalid settlement mint: " + cfg.SettlementMint)
	}
	if cfg.SignerPrivateKey == "" {
		return errors.New("SIGNER_PRIVATE_KEY is required")
	}
	if len(cfg.APIKeys) == 0 {
		return errors.New("API_KEYS is required")
	}

	monitor := rpcpool.NewMonitor(cfg.RPCEndpoints, cfg.DefaultRPCEndpoint,
		cfg.HealthTTL, rpcpool.HealthProbe(rpcpool.DefaultDial), log)
	pool := rpcpool.NewPool(monitor, log)

	aggregator := swap.NewHTTPAggregator(cfg.AggregatorURL, log)
	router := swap.NewRouter(pool, aggregator, swap.NewCache(), swap.RouterConfig{
		RouteTTL:      cfg.RouteTTL,
		RetryAttempts: cfg.ConfirmMaxRetries,
		RetryDelay:    cfg.ConfirmRetryDelay,
	}, log)

	var paymentStore solpay.PaymentStore
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return err
		}
		paymentStore = payment.NewRedisStore(rdb)
		log.Info("using redis payment store", zap.String("addr", cfg.RedisAddr))
	} else {
		paymentStore = payment.NewMemoryStore()
	}

	orchestrator := payment.NewOrchestrator(router, pool, paymentStore, payment.Config{
		SettlementMint:     cfg.SettlementMint,
		DefaultSlippageBps: cfg.DefaultSlippageBps,
		PriceImpactWarnPct: cfg.PriceImpactWarnPct,
		ConfirmMaxRetries:  cfg.ConfirmMaxRetries,
		ConfirmRetryDelay:  cfg.ConfirmRetryDelay,
	}, log)

	settlementStore := settlement.NewMemoryStore()
	verifier := settlement.NewVerifier(pool, settlementStore, mint, cfg.SettlementDecimals, log)

	signer, err := local.NewSigner(cfg.SignerPrivateKey, pool)
	if err != nil {
		return err
	}

	srv := server.New(orchestrator, verifier, settlementStore, signer, server.Config{
		APIKeys:         cfg.APIKeys,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		BaseURL:         cfg.PaymentLinkBase,
	}, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			zap.String("addr", cfg.ListenAddr),
			zap.Strings("rpcEndpoints", cfg.RPCEndpoints),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
