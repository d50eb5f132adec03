// Package payment drives the payment state machine: create, quote, execute,
// confirm. The orchestrator exclusively owns Payment records for their
// lifetime and persists every transition through the PaymentStore.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/rpcpool"
	"github.com/solpay/gateway/swap"
)

// CreateParams are the caller-supplied inputs for a new payment. Amount is
// signed so invalid negative inputs are rejected here rather than silently
// wrapping around.
type CreateParams struct {
	Amount         int64
	MerchantWallet string
	InputToken     string
	Description    string
	Metadata       map[string]string
}

// Config bounds orchestration behavior.
type Config struct {
	SettlementMint     string
	DefaultSlippageBps int
	PriceImpactWarnPct float64
	ConfirmMaxRetries  int
	ConfirmRetryDelay  time.Duration
}

// Orchestrator owns the Payment lifecycle.
type Orchestrator struct {
	router     *swap.Router
	pool       *rpcpool.Pool
	store      solpay.PaymentStore
	cfg        Config
	impactWarn decimal.Decimal
	locks      *keyedMutex
	log        *zap.Logger
}

// NewOrchestrator creates a payment orchestrator. All collaborators are
// injected; the orchestrator holds no hidden global state.
func NewOrchestrator(router *swap.Router, pool *rpcpool.Pool, store solpay.PaymentStore, cfg Config, log *zap.Logger) *Orchestrator {
	if cfg.ConfirmMaxRetries < 1 {
		cfg.ConfirmMaxRetries = 3
	}
	if cfg.ConfirmRetryDelay <= 0 {
		cfg.ConfirmRetryDelay = time.Second
	}
	if cfg.PriceImpactWarnPct <= 0 {
		cfg.PriceImpactWarnPct = 5
	}
	return &Orchestrator{
		router:     router,
		pool:       pool,
		store:      store,
		cfg:        cfg,
		impactWarn: decimal.NewFromFloat(cfg.PriceImpactWarnPct),
		locks:      newKeyedMutex(),
		log:        log,
	}
}

// Create validates the parameters, obtains an initial quote, and returns the
// new payment in state quoted. On quote failure the payment is persisted in
// state failed with reason route_not_found and the error is returned
// alongside it.
func (o *Orchestrator) Create(ctx context.Context, params CreateParams) (*solpay.Payment, error) {
	if params.Amount <= 0 {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"amount must be positive",
			map[string]interface{}{"amount": params.Amount})
	}
	if _, err := solana.PublicKeyFromBase58(params.MerchantWallet); err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid merchant wallet address",
			map[string]interface{}{"merchantWallet": params.MerchantWallet})
	}
	if _, err := solana.PublicKeyFromBase58(params.InputToken); err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid input token mint",
			map[string]interface{}{"inputToken": params.InputToken})
	}

	p := &solpay.Payment{
		ID:              NewPaymentID(),
		Amount:          uint64(params.Amount),
		InputToken:      params.InputToken,
		SettlementToken: o.cfg.SettlementMint,
		MerchantWallet:  params.MerchantWallet,
		Status:          solpay.StatusPending,
		Description:     params.Description,
		Metadata:        params.Metadata,
		CreatedAt:       time.Now(),
	}

	if err := o.transition(ctx, p, solpay.StatusQuoting); err != nil {
		return nil, err
	}

	quote, err := o.router.Quote(ctx, swap.QuoteRequest{
		InputToken:  params.InputToken,
		OutputToken: o.cfg.SettlementMint,
		Amount:      p.Amount,
		SlippageBps: o.cfg.DefaultSlippageBps,
	})
	if err != nil {
		return p, o.fail(ctx, p, solpay.ErrCodeRouteNotFound, err)
	}

	o.attachQuote(p, quote)
	if err := o.transition(ctx, p, solpay.StatusQuoted); err != nil {
		return nil, err
	}

	o.log.Info("payment created",
		zap.String("paymentId", p.ID),
		zap.Uint64("amount", p.Amount),
		zap.String("inputToken", p.InputToken),
		zap.Bool("highImpact", p.HighImpact),
	)
	return p, nil
}

// Process executes the swap for a quoted payment: it re-quotes when the
// stored quote has expired, obtains the unsigned transaction, hands it to
// the external signer, submits it, and moves the payment into processing.
func (o *Orchestrator) Process(ctx context.Context, paymentID string, signer solpay.Signer) (*solpay.Payment, error) {
	unlock := o.locks.lock(paymentID)
	defer unlock()

	p, err := o.find(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != solpay.StatusQuoted {
		return nil, invalidTransition(p, solpay.StatusProcessing)
	}

	// A payment may sit quoted well past the route TTL; executing on stale
	// pricing is never acceptable, so the re-quote is mandatory.
	if p.Quote == nil || p.Quote.Expired(time.Now()) {
		quote, err := o.router.Quote(ctx, swap.QuoteRequest{
			InputToken:  p.InputToken,
			OutputToken: p.SettlementToken,
			Amount:      p.Amount,
			SlippageBps: o.cfg.DefaultSlippageBps,
			Bypass:      true,
		})
		if err != nil {
			return p, o.fail(ctx, p, solpay.ErrCodeRouteNotFound, err)
		}
		o.attachQuote(p, quote)
	}

	tx, err := o.router.BuildSwap(ctx, p.Quote, signer.PublicKey())
	if err != nil {
		return p, o.fail(ctx, p, solpay.ErrCodeSwapExecutionFailed, err)
	}

	if err := signer.Sign(ctx, tx); err != nil {
		code := solpay.ErrorCode(err)
		if code == "" {
			code = solpay.ErrCodeWalletNotConnected
		}
		return p, o.fail(ctx, p, code, err)
	}

	sig, err := signer.Send(ctx, tx)
	if err != nil {
		return p, o.fail(ctx, p, solpay.ErrCodeSwapExecutionFailed, err)
	}

	now := time.Now()
	p.Signature = sig.String()
	p.ProcessingStartedAt = &now
	if err := o.transition(ctx, p, solpay.StatusProcessing); err != nil {
		return nil, err
	}

	o.log.Info("payment processing",
		zap.String("paymentId", p.ID),
		zap.String("signature", p.Signature),
	)
	return p, nil
}

// Confirm polls the network for the transaction status with bounded retries
// and settles the payment into completed or failed. Cancelling the context
// forces confirming into failed rather than leaving the payment in a
// transitional state.
func (o *Orchestrator) Confirm(ctx context.Context, paymentID, signature string) (*solpay.Payment, error) {
	unlock := o.locks.lock(paymentID)
	defer unlock()

	p, err := o.find(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != solpay.StatusProcessing {
		return nil, invalidTransition(p, solpay.StatusConfirming)
	}

	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"invalid transaction signature",
			map[string]interface{}{"signature": signature})
	}

	if err := o.transition(ctx, p, solpay.StatusConfirming); err != nil {
		return nil, err
	}

	conn := o.pool.Best(ctx)
	for attempt := 0; attempt < o.cfg.ConfirmMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.cfg.ConfirmRetryDelay):
			case <-ctx.Done():
				return p, o.fail(ctx, p, solpay.ErrCodeConfirmationTimeout, ctx.Err())
			}
		}

		res, err := conn.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			// An authoritative not-found is terminal; transient RPC
			// errors just consume a retry.
			if errors.Is(err, rpc.ErrNotFound) {
				return p, o.fail(ctx, p, solpay.ErrCodeTransactionNotFound, err)
			}
			continue
		}
		if len(res.Value) == 0 || res.Value[0] == nil {
			// Signature not yet visible to the network.
			continue
		}

		status := res.Value[0]
		if status.Err != nil {
			return p, o.fail(ctx, p, solpay.ErrCodeTransactionFailed,
				fmt.Errorf("transaction failed on chain: %v", status.Err))
		}
		if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
			now := time.Now()
			p.ConfirmedAt = &now
			if err := o.transition(ctx, p, solpay.StatusCompleted); err != nil {
				return nil, err
			}
			o.log.Info("payment confirmed",
				zap.String("paymentId", p.ID),
				zap.String("signature", signature),
			)
			return p, nil
		}
		// Still only processed; keep polling.
	}

	return p, o.fail(ctx, p, solpay.ErrCodeConfirmationTimeout,
		fmt.Errorf("no definitive status after %d attempts", o.cfg.ConfirmMaxRetries))
}

// Find returns the payment by id, or an invalid_params error when unknown.
func (o *Orchestrator) Find(ctx context.Context, paymentID string) (*solpay.Payment, error) {
	return o.find(ctx, paymentID)
}

func (o *Orchestrator) find(ctx context.Context, paymentID string) (*solpay.Payment, error) {
	p, err := o.store.Find(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("find payment %s: %w", paymentID, err)
	}
	if p == nil {
		return nil, solpay.NewPaymentError(solpay.ErrCodeInvalidParams,
			"unknown payment id",
			map[string]interface{}{"paymentId": paymentID})
	}
	return p, nil
}

// attachQuote replaces the payment's quote and recomputes the high-impact
// flag. High impact never blocks a payment; it is surfaced to the caller.
func (o *Orchestrator) attachQuote(p *solpay.Payment, quote *solpay.Quote) {
	p.Quote = quote
	p.HighImpact = quote.PriceImpactPct.GreaterThan(o.impactWarn)
	if p.HighImpact {
		o.log.Warn("high price impact quote",
			zap.String("paymentId", p.ID),
			zap.String("priceImpactPct", quote.PriceImpactPct.String()),
		)
	}
}

// transition advances the state machine, refusing illegal moves without
// mutating the record, and persists the new state.
func (o *Orchestrator) transition(ctx context.Context, p *solpay.Payment, next solpay.PaymentStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return invalidTransition(p, next)
	}
	prev := p.Status
	p.Status = next
	if err := o.store.Save(ctx, p); err != nil {
		p.Status = prev
		return fmt.Errorf("persist payment %s: %w", p.ID, err)
	}
	return nil
}

// fail moves the payment into failed with the given reason and returns the
// error to surface. The save uses a detached context so that teardown of the
// initiating request cannot strand the payment in a transitional state.
func (o *Orchestrator) fail(ctx context.Context, p *solpay.Payment, code string, cause error) error {
	if p.Status.CanTransitionTo(solpay.StatusFailed) {
		p.Status = solpay.StatusFailed
		p.FailureReason = code
		if err := o.store.Save(context.WithoutCancel(ctx), p); err != nil {
			o.log.Error("failed to persist payment failure",
				zap.String("paymentId", p.ID),
				zap.Error(err),
			)
		}
	}

	o.log.Warn("payment failed",
		zap.String("paymentId", p.ID),
		zap.String("reason", code),
		zap.Error(cause),
	)

	var pe *solpay.PaymentError
	if errors.As(cause, &pe) && pe.Code == code {
		return pe
	}
	return solpay.NewPaymentError(code, cause.Error(),
		map[string]interface{}{"paymentId": p.ID})
}

func invalidTransition(p *solpay.Payment, next solpay.PaymentStatus) error {
	return solpay.NewPaymentError(solpay.ErrCodeInvalidStateTransition,
		fmt.Sprintf("cannot move payment from %s to %s", p.Status, next),
		map[string]interface{}{"paymentId": p.ID, "status": string(p.Status)})
}
