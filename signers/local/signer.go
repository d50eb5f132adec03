// Package local implements signing with a locally held keypair. It exists for
// gateway-operated payer wallets; merchant wallets sign externally and never
// pass key material through the gateway.
package local

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/solpay/gateway/rpcpool"
)

// Signer signs and submits transactions with a local private key.
type Signer struct {
	privateKey solana.PrivateKey
	pool       *rpcpool.Pool
}

// NewSigner creates a signer from a base58-encoded private key. Submission
// goes through the pool's best endpoint.
func NewSigner(privateKeyBase58 string, pool *rpcpool.Pool) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{privateKey: privateKey, pool: pool}, nil
}

// NewSignerFromWallet wraps an in-memory wallet. Intended for tests and
// local development.
func NewSignerFromWallet(wallet *solana.Wallet, pool *rpcpool.Pool) *Signer {
	return &Signer{privateKey: wallet.PrivateKey, pool: pool}
}

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() solana.PublicKey {
	return s.privateKey.PublicKey()
}

// Sign adds the signer's signature to the transaction at the account index
// matching its public key.
func (s *Signer) Sign(_ context.Context, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := s.privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(s.privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, accountIndex+1)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}

// Send submits the signed transaction through the pool's best endpoint.
func (s *Signer) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := s.pool.Best(ctx).SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}
