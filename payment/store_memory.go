package payment

import (
	"context"
	"sync"

	solpay "github.com/solpay/gateway"
)

// MemoryStore is an in-memory PaymentStore. Records are deep-copied on both
// write and read so callers never alias store-owned state.
type MemoryStore struct {
	mu         sync.RWMutex
	payments   map[string]*solpay.Payment
	byMerchant map[string][]string
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*solpay.Payment),
		byMerchant: make(map[string][]string),
	}
}

// Save upserts the payment.
func (s *MemoryStore) Save(_ context.Context, p *solpay.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[p.ID]; !exists {
		ids := s.byMerchant[p.MerchantWallet]
		// Newest first.
		s.byMerchant[p.MerchantWallet] = append([]string{p.ID}, ids...)
	}
	s.payments[p.ID] = p.Clone()
	return nil
}

// Find returns the payment by id, or (nil, nil) when unknown.
func (s *MemoryStore) Find(_ context.Context, id string) (*solpay.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// ListByMerchant returns up to limit payments for the merchant wallet,
// newest first. limit <= 0 means no limit.
func (s *MemoryStore) ListByMerchant(_ context.Context, merchantWallet string, limit int) ([]*solpay.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMerchant[merchantWallet]
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*solpay.Payment, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.payments[id]; ok {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}
