package solpay

import (
	"context"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is the subset of the Solana JSON-RPC surface the gateway uses.
// *rpc.Client satisfies it directly; tests substitute fakes.
type RPCClient interface {
	GetHealth(ctx context.Context) (string, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	GetSignaturesForAddressWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// RouteRequest describes one quote request against the aggregation service.
type RouteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

// Aggregator is the external swap-aggregation service, consumed as an opaque
// price and route oracle. Its routing algorithm is out of scope; the gateway
// only normalizes its responses at the boundary.
type Aggregator interface {
	// ComputeRoutes returns candidate routes for the request. An empty
	// candidate set is reported by implementations as a route_not_found
	// error, never as (nil, nil).
	ComputeRoutes(ctx context.Context, req RouteRequest) ([]Route, error)

	// BuildSwapTransaction asks the aggregator to assemble an unsigned
	// transaction for the chosen route. Signing is never done here.
	BuildSwapTransaction(ctx context.Context, route Route, payer solana.PublicKey) (*solana.Transaction, error)
}

// Signer is the external signing collaborator. The gateway never holds
// private key material; payer wallets implement this interface.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, tx *solana.Transaction) error
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
}

// PaymentStore persists Payment records. The orchestrator's contract depends
// only on this interface, not on storage specifics.
type PaymentStore interface {
	Save(ctx context.Context, p *Payment) error
	Find(ctx context.Context, id string) (*Payment, error)
	ListByMerchant(ctx context.Context, merchantWallet string, limit int) ([]*Payment, error)
}

// SettlementStore persists Settlement records. Records are append-only: a
// retry writes a superseding record, never edits an existing one.
type SettlementStore interface {
	Append(ctx context.Context, s *Settlement) error
	Latest(ctx context.Context, paymentID string) (*Settlement, error)
	History(ctx context.Context, paymentID string) ([]*Settlement, error)
}
