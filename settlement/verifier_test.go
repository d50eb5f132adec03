package settlement

import (
	"bytes"
	"context"
	"testing"
	"time"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	solpay "github.com/solpay/gateway"
	"github.com/solpay/gateway/rpcpool"
)

var testMint = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")

type fakeRPC struct {
	tokenAccounts *rpc.GetTokenAccountsResult
	tokenErr      error
	tx            *rpc.GetTransactionResult
	txErr         error
	signatures    []*rpc.TransactionSignature
}

func (f *fakeRPC) GetHealth(context.Context) (string, error) { return rpc.HealthOk, nil }

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{}}, nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	return &rpc.GetSignatureStatusesResult{}, nil
}

func (f *fakeRPC) GetTransaction(context.Context, solana.Signature, *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	return f.tx, f.txErr
}

func (f *fakeRPC) GetTokenAccountsByOwner(context.Context, solana.PublicKey, *rpc.GetTokenAccountsConfig, *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	return f.tokenAccounts, f.tokenErr
}

func (f *fakeRPC) GetSignaturesForAddressWithOpts(context.Context, solana.PublicKey, *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	return f.signatures, nil
}

func (f *fakeRPC) SendTransactionWithOpts(context.Context, *solana.Transaction, rpc.TransactionOpts) (solana.Signature, error) {
	return solana.Signature{}, nil
}

// tokenAccountsResult encodes a real token account so the verifier's binary
// decode path is exercised.
func tokenAccountsResult(t *testing.T, owner solana.PublicKey, amount uint64) *rpc.GetTokenAccountsResult {
	t.Helper()
	acc := token.Account{
		Mint:   testMint,
		Owner:  owner,
		Amount: amount,
		State:  token.Initialized,
	}
	buf := new(bytes.Buffer)
	require.NoError(t, acc.MarshalWithEncoder(bin.NewBinEncoder(buf)))

	return &rpc.GetTokenAccountsResult{
		Value: []*rpc.TokenAccount{{
			Pubkey: solana.NewWallet().PublicKey(),
			Account: rpc.Account{
				Owner: solana.TokenProgramID,
				Data:  rpc.DataBytesOrJSONFromBytes(buf.Bytes()),
			},
		}},
	}
}

func newTestVerifier(t *testing.T, client *fakeRPC) (*Verifier, *MemoryStore) {
	t.Helper()
	log := zap.NewNop()
	monitor := rpcpool.NewMonitor([]string{"http://primary"}, "http://primary", time.Minute,
		func(context.Context, string) error { return nil }, log)
	pool := rpcpool.NewPool(monitor, log, rpcpool.WithDialer(func(string) solpay.RPCClient {
		return client
	}))
	store := NewMemoryStore()
	return NewVerifier(pool, store, testMint, 6, log), store
}

func completedPayment(wallet string) *solpay.Payment {
	return &solpay.Payment{
		ID:             "pay_1",
		Amount:         1_000_000,
		MerchantWallet: wallet,
		Status:         solpay.StatusCompleted,
		Quote:          &solpay.Quote{OutAmount: 990_000},
	}
}

func TestSettlePaymentRecordsCompletion(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tokenAccounts: tokenAccountsResult(t, owner, 5_000_000)}
	v, store := newTestVerifier(t, client)

	s, err := v.SettlePayment(context.Background(), completedPayment(owner.String()))
	require.NoError(t, err)
	assert.Equal(t, solpay.SettlementCompleted, s.Status)
	assert.Equal(t, uint64(990_000), s.Amount)
	assert.NotEmpty(t, s.MerchantTokenAccount)
	require.NotNil(t, s.CompletedAt)

	latest, err := store.Latest(context.Background(), "pay_1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, solpay.SettlementCompleted, latest.Status)
}

func TestSettlePaymentWithoutTokenAccountFails(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tokenAccounts: &rpc.GetTokenAccountsResult{}}
	v, store := newTestVerifier(t, client)

	s, err := v.SettlePayment(context.Background(), completedPayment(owner.String()))
	require.NoError(t, err)
	assert.Equal(t, solpay.SettlementFailed, s.Status)
	assert.Equal(t, uint64(0), s.Amount)
	assert.Equal(t, solpay.ErrCodeSettlementAccountAbsent, s.Error)
	require.NotNil(t, s.FailedAt)

	latest, err := store.Latest(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, solpay.SettlementFailed, latest.Status)
}

func TestSettlePaymentRequiresCompleted(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	v, _ := newTestVerifier(t, &fakeRPC{})

	p := completedPayment(owner.String())
	p.Status = solpay.StatusProcessing
	_, err := v.SettlePayment(context.Background(), p)
	assert.True(t, solpay.IsCode(err, solpay.ErrCodeInvalidStateTransition))
}

func TestSettleRetryAppendsSupersedingRecord(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tokenAccounts: &rpc.GetTokenAccountsResult{}}
	v, store := newTestVerifier(t, client)

	p := completedPayment(owner.String())
	_, err := v.SettlePayment(context.Background(), p)
	require.NoError(t, err)

	// The merchant creates a token account; a retry supersedes the failure.
	client.tokenAccounts = tokenAccountsResult(t, owner, 990_000)
	s, err := v.SettlePayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, solpay.SettlementCompleted, s.Status)

	history, err := store.History(context.Background(), "pay_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, solpay.SettlementFailed, history[0].Status)
	assert.Equal(t, solpay.SettlementCompleted, history[1].Status)
}

func TestBalanceZeroWhenNoAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	v, _ := newTestVerifier(t, &fakeRPC{tokenAccounts: &rpc.GetTokenAccountsResult{}})

	b, err := v.Balance(context.Background(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.Amount)
	assert.True(t, b.UIAmount.IsZero())
}

func TestBalanceDecodesTokenAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	v, _ := newTestVerifier(t, &fakeRPC{tokenAccounts: tokenAccountsResult(t, owner, 12_500_000)})

	b, err := v.Balance(context.Background(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(12_500_000), b.Amount)
	assert.Equal(t, "12.5", b.UIAmount.String())
	assert.Equal(t, uint8(6), b.Decimals)
}

func tokenBalance(owner solana.PublicKey, amount string) rpc.TokenBalance {
	o := owner
	return rpc.TokenBalance{
		Mint:  testMint,
		Owner: &o,
		UiTokenAmount: &rpc.UiTokenAmount{
			Amount:   amount,
			Decimals: 6,
		},
	}
}

func TestTrackSettlementPendingWhenNotFound(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	v, _ := newTestVerifier(t, &fakeRPC{txErr: rpc.ErrNotFound})

	tr, err := v.TrackSettlement(context.Background(), solana.Signature{}.String(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, solpay.TrackPending, tr.Status)
}

func TestTrackSettlementSuccessComputesDelta(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tx: &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances:  []rpc.TokenBalance{tokenBalance(owner, "1000000")},
			PostTokenBalances: []rpc.TokenBalance{tokenBalance(owner, "1990000")},
		},
	}}
	v, _ := newTestVerifier(t, client)

	tr, err := v.TrackSettlement(context.Background(), solana.Signature{}.String(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, solpay.TrackSuccess, tr.Status)
	assert.Equal(t, uint64(990_000), tr.Amount)
	assert.Equal(t, "0.99", tr.UIAmount.String())
}

func TestTrackSettlementFailedTransaction(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tx: &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{Err: map[string]interface{}{"InstructionError": nil}},
	}}
	v, _ := newTestVerifier(t, client)

	tr, err := v.TrackSettlement(context.Background(), solana.Signature{}.String(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, solpay.TrackFailed, tr.Status)
}

func TestTrackSettlementNoDeltaIsMismatch(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{tx: &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances:  []rpc.TokenBalance{tokenBalance(owner, "1000000")},
			PostTokenBalances: []rpc.TokenBalance{tokenBalance(owner, "1000000")},
		},
	}}
	v, _ := newTestVerifier(t, client)

	tr, err := v.TrackSettlement(context.Background(), solana.Signature{}.String(), owner.String())
	require.NoError(t, err)
	assert.Equal(t, solpay.TrackFailed, tr.Status)
	assert.Equal(t, solpay.ErrCodeSettlementMismatch, tr.Message)
}

func TestHistoryFiltersToSuccesses(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	client := &fakeRPC{
		tokenAccounts: tokenAccountsResult(t, owner, 1_000_000),
		signatures: []*rpc.TransactionSignature{
			{Signature: solana.Signature{}},
			{Signature: solana.Signature{}},
		},
		// Every tracked transaction delivered funds.
		tx: &rpc.GetTransactionResult{
			Meta: &rpc.TransactionMeta{
				PreTokenBalances:  []rpc.TokenBalance{tokenBalance(owner, "0")},
				PostTokenBalances: []rpc.TokenBalance{tokenBalance(owner, "500000")},
			},
		},
	}
	v, _ := newTestVerifier(t, client)

	history, err := v.History(context.Background(), owner.String(), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, tr := range history {
		assert.Equal(t, solpay.TrackSuccess, tr.Status)
	}
}

func TestHistoryEmptyWithoutAccount(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	v, _ := newTestVerifier(t, &fakeRPC{tokenAccounts: &rpc.GetTokenAccountsResult{}})

	history, err := v.History(context.Background(), owner.String(), 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}
