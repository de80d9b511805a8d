package orders

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/mbd888/smokypay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func submit(t *testing.T, h *harness, id, token, hash string) {
	t.Helper()
	_, err := h.svc.ConfirmPayment(context.Background(), OrderConfirmed{
		OrderID: id, BuyerAddress: buyerA, TxHash: hash, Token: token,
	})
	require.ErrorIs(t, err, chain.ErrPendingConfirmation)
}

func newSweeper(h *harness) *Sweeper {
	return NewSweeper(h.svc, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSweep_ConfirmsOnceVisible(t *testing.T) {
	h := newHarness(t)
	h.order(t, "100", "1.00")
	hash := testutil.TxHash(1)
	submit(t, h, "100", "USDC", hash)

	sw := newSweeper(h)
	assert.Equal(t, map[string]int{"pending": 1}, sw.Sweep(context.Background()))

	h.ledger.Pay(hash, buyerA, receiver, usdc, "1.01")
	assert.Equal(t, map[string]int{"confirmed": 1}, sw.Sweep(context.Background()))

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, StatusConfirmed, o.Status)
	assert.True(t, h.units(t, buyerA).Equal(d("10")))

	windows := h.ledger.Windows()
	assert.Equal(t, DefaultSweepWindow, windows[len(windows)-1])

	// Nothing left to sweep.
	assert.Empty(t, sw.Sweep(context.Background()))
}

func TestSweep_UsesRequirementFixedAtSubmission(t *testing.T) {
	h := newHarness(t)
	h.order(t, "100", "1.00")
	hash := testutil.TxHash(1)
	submit(t, h, "100", "XLM", hash)

	o, _ := h.store.Get(context.Background(), "100")
	require.True(t, o.RequiredAmount.Equal(d("4.04")))

	// The quote moves and then goes stale; the bound requirement still holds.
	h.rates.rate = d("0.5")
	h.rates.err = errors.New("feed down")
	h.ledger.Pay(hash, buyerA, receiver, chain.Native, "4.04")

	outcome, err := h.svc.Reconcile(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", outcome)
}

func TestSweep_FailsFailedTransactionAndRefundsCredit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.order(t, "100", "1.00")
	require.NoError(t, h.loyalty.Redeem(ctx, &loyalty.Redemption{
		BurnTxHash: "burn", AccountKey: buyerA, Units: d("5"), CreditedUSD: d("0.50"),
	}))
	_, _, err := h.svc.ApplyStoreCredit(ctx, "100", buyerA, d("0.50"))
	require.NoError(t, err)

	hash := testutil.TxHash(2)
	submit(t, h, "100", "USDC", hash)
	h.ledger.Fail(hash)

	outcome, err := h.svc.Reconcile(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome)

	o, _ := h.store.Get(ctx, "100")
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, ReasonPaymentFailed, o.FailureReason)
	assert.True(t, o.CreditAppliedUSD.IsZero())

	acct, err := h.loyalty.Get(ctx, buyerA)
	require.NoError(t, err)
	assert.True(t, acct.StoreCreditUSD.Equal(d("0.5")))
	assert.Equal(t, int32(1), h.notifier.failed.Load())

	// A failed order takes no further confirmations.
	_, err = h.svc.ConfirmPayment(ctx, confirmUSDC("100", hash))
	assert.ErrorIs(t, err, ErrInvalidState)

	// Re-announcing the order re-opens it, and the refunded credit cannot be
	// re-applied under the same order.
	o, err = h.svc.RegisterPending(ctx, Intake{ID: "100", BuyerAddress: buyerA, ExpectedUSD: d("1.00")})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Empty(t, o.TxHash)
	_, _, err = h.svc.ApplyStoreCredit(ctx, "100", buyerA, d("0.50"))
	assert.ErrorIs(t, err, ErrCreditRefunded)
}

func TestSweep_FailsUnderfunded(t *testing.T) {
	h := newHarness(t)
	h.order(t, "100", "1.00")
	hash := testutil.TxHash(3)
	submit(t, h, "100", "USDC", hash)
	h.ledger.Pay(hash, buyerA, receiver, usdc, "0.50")

	outcome, err := h.svc.Reconcile(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome)

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, ReasonUnderfunded, o.FailureReason)
}

func TestSweep_ExpiresAfterTTL(t *testing.T) {
	h := newHarness(t)
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.svc.now = c.now
	h.svc.WithSweepPolicy(time.Second, time.Hour)

	h.order(t, "100", "1.00")
	submit(t, h, "100", "USDC", testutil.TxHash(4))

	c.t = c.t.Add(30 * time.Minute)
	outcome, err := h.svc.Reconcile(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "pending", outcome)

	c.t = c.t.Add(time.Hour)
	outcome, err = h.svc.Reconcile(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "failed", outcome)

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, ReasonWindowExpired, o.FailureReason)
}

func TestSweep_ReleasesAbandonedCreditHold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := &clock{t: time.Now()}
	h.svc.now = c.now
	h.svc.WithCreditHoldTTL(time.Hour)

	h.order(t, "100", "1.00")
	h.order(t, "101", "1.00")
	require.NoError(t, h.loyalty.Redeem(ctx, &loyalty.Redemption{
		BurnTxHash: "burn", AccountKey: buyerA, Units: d("10"), CreditedUSD: d("1.00"),
	}))
	_, _, err := h.svc.ApplyStoreCredit(ctx, "100", buyerA, d("0.50"))
	require.NoError(t, err)
	_, _, err = h.svc.ApplyStoreCredit(ctx, "101", buyerA, d("0.50"))
	require.NoError(t, err)
	// A submitted order keeps its credit until its payment resolves.
	submit(t, h, "101", "USDC", testutil.TxHash(6))

	sw := newSweeper(h)
	assert.Equal(t, map[string]int{"pending": 1}, sw.Sweep(ctx))

	c.t = c.t.Add(2 * time.Hour)
	assert.Equal(t, map[string]int{"pending": 1, "credit_expired": 1}, sw.Sweep(ctx))

	o, _ := h.store.Get(ctx, "100")
	assert.Equal(t, StatusFailed, o.Status)
	assert.Equal(t, ReasonCreditExpired, o.FailureReason)
	assert.True(t, o.CreditAppliedUSD.IsZero())
	assert.Nil(t, o.CreditAppliedAt)

	acct, err := h.loyalty.Get(ctx, buyerA)
	require.NoError(t, err)
	assert.True(t, acct.StoreCreditUSD.Equal(d("0.5")))
	assert.Equal(t, int32(1), h.notifier.failed.Load())

	submitted, _ := h.store.Get(ctx, "101")
	assert.Equal(t, StatusPaymentSubmitted, submitted.Status)
	assert.True(t, submitted.CreditAppliedUSD.Equal(d("0.5")))

	outcome, err := h.svc.ReleaseCreditHold(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome)
}

func TestSweep_DefersOnUpstreamError(t *testing.T) {
	h := newHarness(t)
	h.order(t, "100", "1.00")
	hash := testutil.TxHash(5)
	submit(t, h, "100", "USDC", hash)
	h.ledger.SetError(hash, errors.New("horizon unavailable"))

	counts := newSweeper(h).Sweep(context.Background())
	assert.Equal(t, map[string]int{"deferred": 1}, counts)

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, StatusPaymentSubmitted, o.Status)
}

func TestReconcile_SkipsOrdersNotSubmitted(t *testing.T) {
	h := newHarness(t)
	h.order(t, "100", "1.00")

	outcome, err := h.svc.Reconcile(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "skipped", outcome)

	_, err = h.svc.Reconcile(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestSweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	sw := NewSweeper(h.svc, 10*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		sw.Start(ctx)
		close(done)
	}()

	require.Eventually(t, sw.Running, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		sw.Stop()
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.False(t, sw.Running())
}
