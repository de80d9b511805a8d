// Package loyalty keeps the ZMOKE reward ledger and store-credit balances.
//
// Units accrue once per confirmed order (keyed by order id) and are converted
// to store credit once per burn transaction (keyed by the burn hash). Both
// keys are enforced by the store, so replays and concurrent submissions
// cannot credit twice. Balances only move through those verified events.
package loyalty

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("loyalty account not found")
	ErrDuplicateRedemption = errors.New("burn transaction already redeemed")
	ErrInsufficientBalance = errors.New("insufficient loyalty balance")
	ErrWalletMismatch      = errors.New("burn sender does not match the linked wallet")
	ErrLinkConflict        = errors.New("account is linked to a different user")
)

// UnitsPerUSD is both the reward rate (units accrued per USD of order value)
// and the conversion rate (units burned per USD of store credit).
var UnitsPerUSD = decimal.NewFromInt(10)

// creditPlaces is the precision of USD store-credit amounts.
const creditPlaces = 7

// Reward returns the units earned by an order worth expectedUSD.
func Reward(expectedUSD decimal.Decimal) decimal.Decimal {
	return expectedUSD.Mul(UnitsPerUSD)
}

// CreditFor returns the store credit bought by burning units.
func CreditFor(units decimal.Decimal) decimal.Decimal {
	return units.Div(UnitsPerUSD).Truncate(creditPlaces)
}

// Account is a loyalty balance. Key is the buyer's ledger address; UserID is
// the storefront customer linked to it, set at most once.
type Account struct {
	Key            string          `json:"account"`
	UserID         string          `json:"user_id,omitempty"`
	AccruedUnits   decimal.Decimal `json:"accrued_units"`
	StoreCreditUSD decimal.Decimal `json:"store_credit_usd"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Accrual records the reward for one order.
type Accrual struct {
	OrderID    string          `json:"order_id"`
	AccountKey string          `json:"account"`
	Units      decimal.Decimal `json:"units"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Redemption records one burn converted to store credit.
type Redemption struct {
	BurnTxHash  string          `json:"tx_hash"`
	AccountKey  string          `json:"account"`
	Units       decimal.Decimal `json:"units"`
	CreditedUSD decimal.Decimal `json:"credited_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CreditDebit records store credit applied to an order at checkout.
type CreditDebit struct {
	OrderID      string          `json:"order_id"`
	AccountKey   string          `json:"account"`
	RequestedUSD decimal.Decimal `json:"requested_usd"`
	AppliedUSD   decimal.Decimal `json:"applied_usd"`
	RefundedAt   *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store persists loyalty data.
type Store interface {
	Get(ctx context.Context, key string) (*Account, error)
	GetByUser(ctx context.Context, userID string) (*Account, error)

	// Link attaches userID to the account, creating it if needed. Linking
	// the same pair again is a no-op; any other pairing is ErrLinkConflict.
	Link(ctx context.Context, key, userID string) (*Account, error)

	// Accrue credits units to key for orderID. The second return is false
	// when orderID already accrued; the existing record is returned.
	Accrue(ctx context.Context, orderID, key string, units decimal.Decimal) (*Accrual, bool, error)

	// Redeem records r and adds r.CreditedUSD to the account's store credit.
	// A burn hash already recorded returns ErrDuplicateRedemption.
	Redeem(ctx context.Context, r *Redemption) error
	GetRedemption(ctx context.Context, burnTxHash string) (*Redemption, error)

	// DebitCredit applies up to requested store credit to orderID, clamped
	// to the balance. A repeat for the same order returns the first debit.
	DebitCredit(ctx context.Context, orderID, key string, requested decimal.Decimal) (*CreditDebit, error)

	// RefundCredit returns an order's applied credit. It returns nil when
	// the order has no debit or was already refunded.
	RefundCredit(ctx context.Context, orderID string) (*CreditDebit, error)
}
