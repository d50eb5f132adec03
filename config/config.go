// Package config loads gateway configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Defaults mirror the public mainnet setup the gateway ships with. Every
// value can be overridden through the environment.
const (
	DefaultSettlementMint     = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v" // USDC
	DefaultSettlementDecimals = 6
	DefaultAggregatorURL      = "https://quote-api.jup.ag/v4"
)

// Config carries everything the gateway needs at startup.
type Config struct {
	ListenAddr string

	// RPC network
	RPCEndpoints       []string
	DefaultRPCEndpoint string
	HealthTTL          time.Duration
	ConnectionPoolSize int

	// Quoting
	AggregatorURL      string
	RouteTTL           time.Duration
	DefaultSlippageBps int
	PriceImpactWarnPct float64

	// Confirmation polling
	ConfirmMaxRetries int
	ConfirmRetryDelay time.Duration

	// Settlement
	SettlementMint     string
	SettlementDecimals uint8

	// HTTP boundary
	APIKeys         []string
	RateLimitMax    int
	RateLimitWindow time.Duration
	PaymentLinkBase string

	// Optional backends / signing
	RedisAddr        string
	SignerPrivateKey string
}

// Load reads configuration from the environment, honoring a .env file when
// one is present in the working directory.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("RPC_ENDPOINTS", strings.Join([]string{
		"https://api.mainnet-beta.solana.com",
		"https://solana-api.projectserum.com",
		"https://rpc.ankr.com/solana",
		"https://ssc-dao.genesysgo.net",
	}, ","))
	v.SetDefault("RPC_HEALTH_TTL", "60s")
	v.SetDefault("CONNECTION_POOL_SIZE", 3)
	v.SetDefault("AGGREGATOR_URL", DefaultAggregatorURL)
	v.SetDefault("ROUTE_TTL", "10s")
	v.SetDefault("DEFAULT_SLIPPAGE_BPS", 100)
	v.SetDefault("PRICE_IMPACT_WARN_PCT", 5.0)
	v.SetDefault("CONFIRM_MAX_RETRIES", 3)
	v.SetDefault("CONFIRM_RETRY_DELAY", "1s")
	v.SetDefault("SETTLEMENT_MINT", DefaultSettlementMint)
	v.SetDefault("SETTLEMENT_DECIMALS", DefaultSettlementDecimals)
	v.SetDefault("RATE_LIMIT_MAX", 100)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("PAYMENT_LINK_BASE", "")

	cfg := &Config{
		ListenAddr:         v.GetString("LISTEN_ADDR"),
		RPCEndpoints:       splitList(v.GetString("RPC_ENDPOINTS")),
		DefaultRPCEndpoint: v.GetString("DEFAULT_RPC_ENDPOINT"),
		HealthTTL:          v.GetDuration("RPC_HEALTH_TTL"),
		ConnectionPoolSize: v.GetInt("CONNECTION_POOL_SIZE"),
		AggregatorURL:      v.GetString("AGGREGATOR_URL"),
		RouteTTL:           v.GetDuration("ROUTE_TTL"),
		DefaultSlippageBps: v.GetInt("DEFAULT_SLIPPAGE_BPS"),
		PriceImpactWarnPct: v.GetFloat64("PRICE_IMPACT_WARN_PCT"),
		ConfirmMaxRetries:  v.GetInt("CONFIRM_MAX_RETRIES"),
		ConfirmRetryDelay:  v.GetDuration("CONFIRM_RETRY_DELAY"),
		SettlementMint:     v.GetString("SETTLEMENT_MINT"),
		SettlementDecimals: uint8(v.GetInt("SETTLEMENT_DECIMALS")),
		APIKeys:            splitList(v.GetString("API_KEYS")),
		RateLimitMax:       v.GetInt("RATE_LIMIT_MAX"),
		RateLimitWindow:    v.GetDuration("RATE_LIMIT_WINDOW"),
		PaymentLinkBase:    v.GetString("PAYMENT_LINK_BASE"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		SignerPrivateKey:   v.GetString("SIGNER_PRIVATE_KEY"),
	}

	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("config: at least one RPC endpoint is required")
	}
	if cfg.DefaultRPCEndpoint == "" {
		cfg.DefaultRPCEndpoint = cfg.RPCEndpoints[0]
	}
	if cfg.ConnectionPoolSize < 1 {
		return nil, fmt.Errorf("config: connection pool size must be >= 1, got %d", cfg.ConnectionPoolSize)
	}
	if cfg.ConfirmMaxRetries < 1 {
		return nil, fmt.Errorf("config: confirm max retries must be >= 1, got %d", cfg.ConfirmMaxRetries)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
