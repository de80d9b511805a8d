package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/smokypay/internal/retry"
	"github.com/mbd888/smokypay/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{
	BaseDelay: 5 * time.Millisecond,
	MaxDelay:  20 * time.Millisecond,
	Window:    300 * time.Millisecond,
}

func newTestClient(t *testing.T) (*HorizonClient, *fakeHorizon) {
	t.Helper()
	f, srv := newFakeHorizon(t)
	c := NewHorizonClient(srv.URL, fastPolicy, nil).WithHTTPClient(srv.Client())
	return c, f
}

func TestVerifyPayment_StablePayment(t *testing.T) {
	c, f := newTestClient(t)
	buyer, receiver := testutil.Address(1), testutil.Address(2)
	usdc := Asset{Code: "USDC", Issuer: testutil.Address(3)}
	hash := testutil.TxHash(1)

	f.addTx(hash, &fakeTx{successful: true, ops: []map[string]any{
		paymentOp(buyer, receiver, "1.0100000", usdc),
	}})

	p, err := c.VerifyPayment(context.Background(), Expectation{
		TxHash:    hash,
		Receiver:  receiver,
		Asset:     usdc,
		MinAmount: decimal.RequireFromString("1.01"),
	})
	require.NoError(t, err)
	assert.Equal(t, buyer, p.From)
	assert.True(t, p.Amount.Equal(decimal.RequireFromString("1.01")))
	assert.Equal(t, int64(123456), p.Ledger)
}

func TestVerifyPayment_ContractTransfer(t *testing.T) {
	c, f := newTestClient(t)
	buyer, escrow := testutil.Address(1), testutil.ContractID(9)
	hash := testutil.TxHash(2)

	f.addTx(hash, &fakeTx{successful: true, ops: []map[string]any{
		contractOp(buyer, escrow, "25.0000000", Native),
	}})

	p, err := c.VerifyPayment(context.Background(), Expectation{
		TxHash:    hash,
		Receiver:  escrow,
		Asset:     Native,
		MinAmount: decimal.RequireFromString("24.5"),
	})
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(25)))
}

func TestVerifyPayment_Underfunded(t *testing.T) {
	c, f := newTestClient(t)
	buyer, receiver := testutil.Address(1), testutil.Address(2)
	hash := testutil.TxHash(3)

	f.addTx(hash, &fakeTx{successful: true, ops: []map[string]any{
		paymentOp(buyer, receiver, "1.0000000", Native),
	}})

	_, err := c.VerifyPayment(context.Background(), Expectation{
		TxHash: hash, Receiver: receiver, Asset: Native,
		MinAmount: decimal.RequireFromString("1.01"),
	})
	require.ErrorIs(t, err, ErrUnderfunded)

	var ve *VerificationError
	require.True(t, errors.As(err, &ve))
	assert.True(t, ve.Paid.Equal(decimal.NewFromInt(1)))
	assert.Contains(t, err.Error(), "required 1.0100000")
}

func TestVerifyPayment_WrongAssetOrReceiver(t *testing.T) {
	c, f := newTestClient(t)
	buyer, receiver, stranger := testutil.Address(1), testutil.Address(2), testutil.Address(4)
	hash := testutil.TxHash(4)

	f.addTx(hash, &fakeTx{successful: true, ops: []map[string]any{
		paymentOp(buyer, stranger, "5.0000000", Native),
		paymentOp(buyer, receiver, "5.0000000", Asset{Code: "FAKE", Issuer: testutil.Address(5)}),
	}})

	_, err := c.VerifyPayment(context.Background(), Expectation{
		TxHash: hash, Receiver: receiver, Asset: Native, MinAmount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrNoPayment)
	require.ErrorIs(t, err, ErrPaymentFailed)
}

func TestVerifyPayment_SenderFilter(t *testing.T) {
	c, f := newTestClient(t)
	buyer, other, receiver := testutil.Address(1), testutil.Address(6), testutil.Address(2)
	hash := testutil.TxHash(5)

	f.addTx(hash, &fakeTx{successful: true, ops: []map[string]any{
		paymentOp(other, receiver, "10.0000000", Native),
	}})

	_, err := c.VerifyPayment(context.Background(), Expectation{
		TxHash: hash, Receiver: receiver, Sender: buyer, Asset: Native, MinAmount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, ErrNoPayment)
}

func TestAwaitTransaction_FailedOnChain(t *testing.T) {
	c, f := newTestClient(t)
	hash := testutil.TxHash(6)
	f.addTx(hash, &fakeTx{successful: false})

	_, err := c.AwaitTransaction(context.Background(), hash, 0)
	require.ErrorIs(t, err, ErrPaymentFailed)
}

func TestAwaitTransaction_EventualVisibility(t *testing.T) {
	c, f := newTestClient(t)
	hash := testutil.TxHash(7)
	f.addTx(hash, &fakeTx{successful: true, visibleAfter: 3})

	tx, err := c.AwaitTransaction(context.Background(), hash, 0)
	require.NoError(t, err)
	assert.True(t, tx.Successful)
	assert.Equal(t, 4, f.lookupCount(hash))
}

func TestAwaitTransaction_PendingAfterWindow(t *testing.T) {
	c, f := newTestClient(t)
	hash := testutil.TxHash(8)

	start := time.Now()
	_, err := c.AwaitTransaction(context.Background(), hash, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrPendingConfirmation)
	assert.Less(t, time.Since(start), time.Second)
	assert.Greater(t, f.lookupCount(hash), 1, "should poll more than once")
}

func TestAwaitTransaction_ToleratesUpstreamErrors(t *testing.T) {
	c, f := newTestClient(t)
	hash := testutil.TxHash(9)
	f.addTx(hash, &fakeTx{successful: true})
	f.mu.Lock()
	f.failures = 2
	f.mu.Unlock()

	_, err := c.AwaitTransaction(context.Background(), hash, 0)
	require.NoError(t, err)
}

func TestAwaitTransaction_ParentCancel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AwaitTransaction(ctx, testutil.TxHash(10), time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrPendingConfirmation)
}

func TestBalance(t *testing.T) {
	c, f := newTestClient(t)
	holder := testutil.Address(1)
	zmoke := Asset{Code: "ZMOKE", Issuer: testutil.Address(7)}

	f.mu.Lock()
	f.accounts[holder] = []map[string]string{
		{"asset_type": "native", "balance": "100.5000000"},
		{"asset_type": "credit_alphanum12", "asset_code": "ZMOKE", "asset_issuer": zmoke.Issuer, "balance": "42.0000000"},
	}
	f.mu.Unlock()

	bal, err := c.Balance(context.Background(), holder, zmoke)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(42)))

	bal, err = c.Balance(context.Background(), holder, Native)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("100.5")))

	bal, err = c.Balance(context.Background(), holder, Asset{Code: "USDC", Issuer: testutil.Address(8)})
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "no trustline reads as zero")

	_, err = c.Balance(context.Background(), testutil.Address(99), zmoke)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestAssetEqual(t *testing.T) {
	issuer := testutil.Address(1)
	assert.True(t, Native.Equal(Asset{Code: "whatever"}))
	assert.False(t, Native.Equal(Asset{Code: "XLM", Issuer: issuer}))
	assert.True(t, Asset{Code: "USDC", Issuer: issuer}.Equal(Asset{Code: "USDC", Issuer: issuer}))
	assert.False(t, Asset{Code: "USDC", Issuer: issuer}.Equal(Asset{Code: "usdc", Issuer: issuer}))
}
