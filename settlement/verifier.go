// Package settlement verifies that completed payments actually landed in the
// merchant's settlement token account, independently of what the swap flow
// reported.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/rpcpool"
)

// Verifier audits settlement outcomes against on-chain state.
type Verifier struct {
	pool     *rpcpool.Pool
	store    solpay.SettlementStore
	mint     solana.PublicKey
	decimals uint8
	log      *zap.Logger
}

// NewVerifier creates a settlement verifier for the given settlement mint.
// decimals is the mint's configured decimal count (6 for USDC).
func NewVerifier(pool *rpcpool.Pool, store solpay.SettlementStore, mint solana.PublicKey, decimals uint8, log *zap.Logger) *Verifier {
	return &Verifier{pool: pool, store: store, mint: mint, decimals: decimals, log: log}
}

// SettlePayment verifies that the merchant holds a settlement token account
// and records the settlement outcome. Only completed payments are eligible.
// A missing token account produces a failed record with zero amount, not an
// error: the payment itself succeeded, the merchant just has nowhere to
// receive the settlement token yet. Records are immutable; a retry appends a
// superseding record.
func (v *Verifier) SettlePayment(ctx context.Context, p *solpay.Payment) (*solpay.Settlement, error) {
	if p.Status != solpay.StatusCompleted {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidStateTransition,
			"settlement requires a completed payment",
			map[string]interface{}{"paymentId": p.ID, "status": string(p.Status)})
	}

	owner, err := solana.PublicKeyFromBase58(p.MerchantWallet)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid merchant wallet address",
			map[string]interface{}{"merchantWallet": p.MerchantWallet})
	}

	account, _, err := v.settlementAccount(ctx, owner)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var s *solpay.Settlement
	if account == nil {
		s = &solpay.Settlement{
			PaymentID: p.ID,
			Status:    solpay.SettlementFailed,
			FailedAt:  &now,
			Error:     solpay.ErrCodeSettlementAccountAbsent,
		}
		v.log.Warn("settlement token account not found",
			zap.String("paymentId", p.ID),
			zap.String("merchantWallet", p.MerchantWallet),
		)
	} else {
		var amount uint64
		if p.Quote != nil {
			amount = p.Quote.OutAmount
		}
		s = &solpay.Settlement{
			PaymentID:            p.ID,
			Status:               solpay.SettlementCompleted,
			Amount:               amount,
			MerchantTokenAccount: account.String(),
			CompletedAt:          &now,
		}
	}

	if err := v.store.Append(ctx, s); err != nil {
		return nil, fmt.Errorf("record settlement for %s: %w", p.ID, err)
	}
	return s, nil
}

// Balance returns the merchant's settlement-token balance. A merchant with
// no token account has a zero balance; that is a valid state, never an error.
func (v *Verifier) Balance(ctx context.Context, merchantWallet string) (*solpay.Balance, error) {
	owner, err := solana.PublicKeyFromBase58(merchantWallet)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid merchant wallet address",
			map[string]interface{}{"merchantWallet": merchantWallet})
	}

	account, data, err := v.settlementAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return &solpay.Balance{}, nil
	}

	// The raw token account carries the amount; decimals come from the mint
	// configured at construction.
	return &solpay.Balance{
		Amount:   data.Amount,
		UIAmount: decimal.New(int64(data.Amount), -int32(v.decimals)),
		Decimals: v.decimals,
	}, nil
}

// TrackSettlement audits one transaction: it compares the merchant's pre and
// post settlement-token balances and reports whether the transaction actually
// delivered funds. A transaction the network has not seen yet is pending, not
// an error.
func (v *Verifier) TrackSettlement(ctx context.Context, signature, merchantWallet string) (*solpay.TrackResult, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid transaction signature",
			map[string]interface{}{"signature": signature})
	}
	owner, err := solana.PublicKeyFromBase58(merchantWallet)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid merchant wallet address",
			map[string]interface{}{"merchantWallet": merchantWallet})
	}

	res, err := v.pool.Best(ctx).GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &rpc.MaxSupportedTransactionVersion0,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && res == nil) {
		return &solpay.TrackResult{
			Status:    solpay.TrackPending,
			Message:   "transaction not yet visible",
			Signature: signature,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", signature, err)
	}

	result := &solpay.TrackResult{Signature: signature}
	if res.BlockTime != nil {
		t := res.BlockTime.Time()
		result.BlockTime = &t
	}

	if res.Meta == nil {
		result.Status = solpay.TrackPending
		result.Message = "transaction metadata unavailable"
		return result, nil
	}
	if res.Meta.Err != nil {
		result.Status = solpay.TrackFailed
		result.Message = fmt.Sprintf("transaction failed on chain: %v", res.Meta.Err)
		return result, nil
	}

	pre := v.merchantTokenAmount(res.Meta.PreTokenBalances, owner)
	post := v.merchantTokenAmount(res.Meta.PostTokenBalances, owner)
	if post <= pre {
		result.Status = solpay.TrackFailed
		result.Message = solpay.ErrCodeSettlementMismatch
		return result, nil
	}

	delta := post - pre
	result.Status = solpay.TrackSuccess
	result.Amount = delta
	result.UIAmount = decimal.New(int64(delta), -int32(v.decimals))
	return result, nil
}

// History walks the merchant settlement account's recent signatures and
// returns the settlements that verifiably delivered funds, newest first.
func (v *Verifier) History(ctx context.Context, merchantWallet string, limit int) ([]*solpay.TrackResult, error) {
	owner, err := solana.PublicKeyFromBase58(merchantWallet)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid merchant wallet address",
			map[string]interface{}{"merchantWallet": merchantWallet})
	}

	account, _, err := v.settlementAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, nil
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	sigs, err := v.pool.Best(ctx).GetSignaturesForAddressWithOpts(ctx, *account,
		&rpc.GetSignaturesForAddressOpts{Limit: &limit})
	if err != nil {
		return nil, fmt.Errorf("list signatures for %s: %w", account, err)
	}

	var out []*solpay.TrackResult
	for _, sig := range sigs {
		tr, err := v.TrackSettlement(ctx, sig.Signature.String(), merchantWallet)
		if err != nil {
			v.log.Warn("settlement history entry skipped",
				zap.String("signature", sig.Signature.String()),
				zap.Error(err),
			)
			continue
		}
		if tr.Status == solpay.TrackSuccess {
			out = append(out, tr)
		}
	}
	return out, nil
}

const defaultHistoryLimit = 20

// settlementAccount finds the merchant's token account for the settlement
// mint. A missing account returns (nil, nil, nil).
func (v *Verifier) settlementAccount(ctx context.Context, owner solana.PublicKey) (*solana.PublicKey, *token.Account, error) {
	res, err := v.pool.Best(ctx).GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &v.mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64})
	if err != nil {
		return nil, nil, fmt.Errorf("get token accounts for %s: %w", owner, err)
	}
	if res == nil || len(res.Value) == 0 {
		return nil, nil, nil
	}

	acc := res.Value[0]
	var data token.Account
	if err := bin.NewBinDecoder(acc.Account.Data.GetBinary()).Decode(&data); err != nil {
		return nil, nil, fmt.Errorf("decode token account %s: %w", acc.Pubkey, err)
	}
	return &acc.Pubkey, &data, nil
}

// merchantTokenAmount sums the merchant's settlement-mint balances from one
// side of a transaction's token balance metadata.
func (v *Verifier) merchantTokenAmount(balances []rpc.TokenBalance, owner solana.PublicKey) uint64 {
	var total uint64
	for _, b := range balances {
		if b.Mint != v.mint {
			continue
		}
		if b.Owner == nil || !b.Owner.Equals(owner) {
			continue
		}
		if b.UiTokenAmount == nil {
			continue
		}
		amount, err := strconv.ParseUint(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		total += amount
	}
	return total
}
