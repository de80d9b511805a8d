package loyalty

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestMemoryStore_AccrueOncePerOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, created, err := s.Accrue(ctx, "100", "GBUYER", d("10"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, a.Units.Equal(d("10")))

	again, created, err := s.Accrue(ctx, "100", "GBUYER", d("10"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, a.CreatedAt, again.CreatedAt)

	acct, err := s.Get(ctx, "GBUYER")
	require.NoError(t, err)
	assert.True(t, acct.AccruedUnits.Equal(d("10")), "got %s", acct.AccruedUnits)
}

func TestMemoryStore_ConcurrentAccrual(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = s.Accrue(ctx, "200", "GBUYER", d("25"))
		}()
	}
	wg.Wait()

	acct, err := s.Get(ctx, "GBUYER")
	require.NoError(t, err)
	assert.True(t, acct.AccruedUnits.Equal(d("25")))
}

func TestMemoryStore_RedeemRejectsDuplicateBurn(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Redeem(ctx, &Redemption{BurnTxHash: "abc", AccountKey: "GBUYER", Units: d("50"), CreditedUSD: d("5")}))
	err := s.Redeem(ctx, &Redemption{BurnTxHash: "abc", AccountKey: "GBUYER", Units: d("50"), CreditedUSD: d("5")})
	assert.ErrorIs(t, err, ErrDuplicateRedemption)

	acct, err := s.Get(ctx, "GBUYER")
	require.NoError(t, err)
	assert.True(t, acct.StoreCreditUSD.Equal(d("5")))

	r, err := s.GetRedemption(ctx, "abc")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "GBUYER", r.AccountKey)

	missing, err := s.GetRedemption(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStore_DebitClampsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Redeem(ctx, &Redemption{BurnTxHash: "h1", AccountKey: "GBUYER", Units: d("30"), CreditedUSD: d("3")}))

	debit, err := s.DebitCredit(ctx, "300", "GBUYER", d("10"))
	require.NoError(t, err)
	assert.True(t, debit.AppliedUSD.Equal(d("3")), "applied %s", debit.AppliedUSD)
	assert.True(t, debit.RequestedUSD.Equal(d("10")))

	again, err := s.DebitCredit(ctx, "300", "GBUYER", d("1"))
	require.NoError(t, err)
	assert.True(t, again.AppliedUSD.Equal(d("3")))

	acct, _ := s.Get(ctx, "GBUYER")
	assert.True(t, acct.StoreCreditUSD.IsZero())

	// A second order finds nothing left and records a zero debit.
	empty, err := s.DebitCredit(ctx, "301", "GBUYER", d("2"))
	require.NoError(t, err)
	assert.True(t, empty.AppliedUSD.IsZero())

	_, err = s.DebitCredit(ctx, "302", "GUNKNOWN", d("2"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStore_RefundOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Redeem(ctx, &Redemption{BurnTxHash: "h1", AccountKey: "GBUYER", Units: d("20"), CreditedUSD: d("2")}))
	_, err := s.DebitCredit(ctx, "400", "GBUYER", d("1.5"))
	require.NoError(t, err)

	refund, err := s.RefundCredit(ctx, "400")
	require.NoError(t, err)
	require.NotNil(t, refund)
	assert.NotNil(t, refund.RefundedAt)

	second, err := s.RefundCredit(ctx, "400")
	require.NoError(t, err)
	assert.Nil(t, second)

	none, err := s.RefundCredit(ctx, "no-debit")
	require.NoError(t, err)
	assert.Nil(t, none)

	acct, _ := s.Get(ctx, "GBUYER")
	assert.True(t, acct.StoreCreditUSD.Equal(d("2")), "got %s", acct.StoreCreditUSD)
}

func TestMemoryStore_LinkIsSetOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	acct, err := s.Link(ctx, "GA", "42")
	require.NoError(t, err)
	assert.Equal(t, "42", acct.UserID)

	_, err = s.Link(ctx, "GA", "42")
	require.NoError(t, err)

	_, err = s.Link(ctx, "GA", "43")
	assert.ErrorIs(t, err, ErrLinkConflict)

	_, err = s.Link(ctx, "GB", "42")
	assert.ErrorIs(t, err, ErrLinkConflict)

	byUser, err := s.GetByUser(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "GA", byUser.Key)

	_, err = s.GetByUser(ctx, "99")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRewardAndCredit(t *testing.T) {
	assert.True(t, Reward(d("1.00")).Equal(d("10")))
	assert.True(t, Reward(d("12.34")).Equal(d("123.4")))
	assert.True(t, CreditFor(d("10")).Equal(d("1")))
	assert.True(t, CreditFor(d("0.0000001")).Equal(d("0")))
	assert.True(t, CreditFor(d("15")).Equal(d("1.5")))
}
