package settlement

import (
	"context"
	"sync"

	solpay "github.com/solpay/gateway"
)

// MemoryStore is an in-memory append-only SettlementStore. Records are copied
// on write and read so callers never alias store-owned state.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]*solpay.Settlement
}

// NewMemoryStore creates an empty in-memory settlement store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]*solpay.Settlement)}
}

// Append adds a settlement record for its payment. Existing records are
// never modified; the newest record supersedes.
func (s *MemoryStore) Append(_ context.Context, rec *solpay.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.PaymentID] = append(s.records[rec.PaymentID], &cp)
	return nil
}

// Latest returns the most recent settlement record for the payment, or
// (nil, nil) when none exists.
func (s *MemoryStore) Latest(_ context.Context, paymentID string) (*solpay.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[paymentID]
	if len(recs) == 0 {
		return nil, nil
	}
	cp := *recs[len(recs)-1]
	return &cp, nil
}

// History returns every settlement record for the payment in append order.
func (s *MemoryStore) History(_ context.Context, paymentID string) ([]*solpay.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[paymentID]
	out := make([]*solpay.Settlement, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
