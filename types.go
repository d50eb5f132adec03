// Package solpay contains the shared domain types, error taxonomy, and
// collaborator interfaces for the payment gateway. Subpackages implement the
// RPC connection pool, swap routing, payment orchestration, and settlement
// verification on top of these.
package solpay

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a Payment.
// Status only ever moves forward; failed is reachable from quoting,
// processing, and confirming. completed and failed are terminal.
type PaymentStatus string

const (
	StatusPending    PaymentStatus = "pending"
	StatusQuoting    PaymentStatus = "quoting"
	StatusQuoted     PaymentStatus = "quoted"
	StatusProcessing PaymentStatus = "processing"
	StatusConfirming PaymentStatus = "confirming"
	StatusCompleted  PaymentStatus = "completed"
	StatusFailed     PaymentStatus = "failed"
)

// forwardTransitions encodes the legal forward edges of the payment state
// machine. failed is reachable from every non-terminal state past pending.
var forwardTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:    {StatusQuoting},
	StatusQuoting:    {StatusQuoted, StatusFailed},
	StatusQuoted:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusConfirming, StatusFailed},
	StatusConfirming: {StatusCompleted, StatusFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range forwardTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Route is an aggregator-selected conversion path. The Plan payload is opaque
// to the gateway and passed back to the aggregator verbatim when building the
// swap transaction.
type Route struct {
	InputMint            string          `json:"inputMint"`
	OutputMint           string          `json:"outputMint"`
	InAmount             uint64          `json:"inAmount,string"`
	OutAmount            uint64          `json:"outAmount,string"`
	OtherAmountThreshold uint64          `json:"otherAmountThreshold,string"`
	PriceImpactPct       decimal.Decimal `json:"priceImpactPct"`
	Plan                 json.RawMessage `json:"routePlan,omitempty"`
}

// Quote is a priced, time-bounded proposal for converting an amount of the
// input token to an expected amount of the output token via a specific route.
// Quotes are immutable once fetched; a payment that needs fresh pricing gets
// a replacement Quote, never an in-place update.
type Quote struct {
	InputToken     string          `json:"inputToken"`
	OutputToken    string          `json:"outputToken"`
	InAmount       uint64          `json:"inAmount,string"`
	OutAmount      uint64          `json:"outAmount,string"`
	SlippageBps    int             `json:"slippageBps"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
	Route          Route           `json:"route"`
	FetchedAt      time.Time       `json:"fetchedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
}

// Expired reports whether the quote must not be used for execution anymore.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// Payment is a merchant-facing payment record. The orchestrator exclusively
// owns the record for its lifetime; transitions are guarded by the state
// machine and an id-scoped lock.
type Payment struct {
	ID                  string            `json:"id"`
	Amount              uint64            `json:"amount,string"`
	InputToken          string            `json:"inputToken"`
	SettlementToken     string            `json:"settlementToken"`
	MerchantWallet      string            `json:"merchantWallet"`
	Status              PaymentStatus     `json:"status"`
	Quote               *Quote            `json:"quote,omitempty"`
	Signature           string            `json:"signature,omitempty"`
	HighImpact          bool              `json:"highImpact,omitempty"`
	Description         string            `json:"description,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	ProcessingStartedAt *time.Time        `json:"processingStartedAt,omitempty"`
	ConfirmedAt         *time.Time        `json:"confirmedAt,omitempty"`
	FailureReason       string            `json:"failureReason,omitempty"`
}

// Clone returns a deep copy of the payment so stores can hand out records
// without aliasing orchestrator-owned state.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.Quote != nil {
		q := *p.Quote
		cp.Quote = &q
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.ProcessingStartedAt != nil {
		t := *p.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if p.ConfirmedAt != nil {
		t := *p.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// SettlementStatus is the outcome recorded on a Settlement.
type SettlementStatus string

const (
	SettlementCompleted SettlementStatus = "completed"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement records the verified (or failed) transfer of the settlement
// token into the merchant's account for one payment. Records are immutable
// once written; a retry supersedes with a new record.
type Settlement struct {
	PaymentID            string           `json:"paymentId"`
	Status               SettlementStatus `json:"status"`
	Amount               uint64           `json:"amount,string"`
	MerchantTokenAccount string           `json:"merchantTokenAccount,omitempty"`
	CompletedAt          *time.Time       `json:"completedAt,omitempty"`
	FailedAt             *time.Time       `json:"failedAt,omitempty"`
	Error                string           `json:"error,omitempty"`
}

// HealthRecord is the cached judgment about one RPC endpoint.
type HealthRecord struct {
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency"`
	LastChecked time.Time     `json:"lastChecked"`
	Err         string        `json:"error,omitempty"`
}

// Balance is the merchant's settlement-token balance. A zero balance with no
// token account is a valid state, not an error.
type Balance struct {
	Amount   uint64          `json:"amount,string"`
	UIAmount decimal.Decimal `json:"uiAmount"`
	Decimals uint8           `json:"decimals"`
}

// TrackStatus is the outcome of an independent on-chain settlement check.
type TrackStatus string

const (
	TrackPending TrackStatus = "pending"
	TrackSuccess TrackStatus = "success"
	TrackFailed  TrackStatus = "failed"
)

// TrackResult is the result of auditing one transaction's token balance
// deltas against the merchant's settlement account.
type TrackResult struct {
	Status    TrackStatus     `json:"status"`
	Amount    uint64          `json:"amount,string"`
	UIAmount  decimal.Decimal `json:"uiAmount"`
	Message   string          `json:"message,omitempty"`
	Signature string          `json:"signature,omitempty"`
	BlockTime *time.Time      `json:"blockTime,omitempty"`
}
