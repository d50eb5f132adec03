package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	solpay "github.com/solpay/gateway"
)

// RedisStore is a Redis-backed PaymentStore. Payments are stored as JSON
// under payment:<id>; a per-merchant list merchant:<wallet> indexes ids
// newest first.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func paymentKey(id string) string      { return "payment:" + id }
func merchantKey(wallet string) string { return "merchant:" + wallet }

// Save upserts the payment and maintains the merchant index.
func (s *RedisStore) Save(ctx context.Context, p *solpay.Payment) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payment %s: %w", p.ID, err)
	}
	if err := s.rdb.Set(ctx, paymentKey(p.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	// Re-insert at the head so repeated saves keep the id unique and the
	// ordering newest first.
	pipe := s.rdb.Pipeline()
	pipe.LRem(ctx, merchantKey(p.MerchantWallet), 0, p.ID)
	pipe.LPush(ctx, merchantKey(p.MerchantWallet), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index payment %s: %w", p.ID, err)
	}
	return nil
}

// Find returns the payment by id, or (nil, nil) when unknown.
func (s *RedisStore) Find(ctx context.Context, id string) (*solpay.Payment, error) {
	data, err := s.rdb.Get(ctx, paymentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", id, err)
	}
	var p solpay.Payment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode payment %s: %w", id, err)
	}
	return &p, nil
}

// ListByMerchant returns up to limit payments for the merchant wallet,
// newest first. limit <= 0 means no limit.
func (s *RedisStore) ListByMerchant(ctx context.Context, merchantWallet string, limit int) ([]*solpay.Payment, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.rdb.LRange(ctx, merchantKey(merchantWallet), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list payments for %s: %w", merchantWallet, err)
	}
	out := make([]*solpay.Payment, 0, len(ids))
	for _, id := range ids {
		p, err := s.Find(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
