// Package orders reconciles storefront orders with on-chain payments.
//
// An order is confirmed only after the ledger shows a successful transfer
// covering its price plus the checkout fee. Confirmation, the reward accrual
// it earns, and the binding of the transaction hash commit together; replays
// of the same confirmation change nothing.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownOrder     = errors.New("order not found")
	ErrConflict         = errors.New("order conflict")
	ErrTxHashInUse      = fmt.Errorf("%w: transaction already bound to another order", ErrConflict)
	ErrInvalidState     = fmt.Errorf("%w: order is not awaiting payment", ErrConflict)
	ErrCreditRefunded   = fmt.Errorf("%w: store credit for this order was refunded", ErrConflict)
	ErrUnsupportedAsset = errors.New("asset not accepted")
	ErrWalletMismatch   = errors.New("wallet does not belong to this order")
)

// Status is an order's reconciliation state.
type Status string

const (
	StatusPending          Status = "pending"
	StatusPaymentSubmitted Status = "payment_submitted"
	StatusConfirmed        Status = "confirmed"
	StatusFailed           Status = "failed"
)

// Failure reasons recorded on failed orders.
const (
	ReasonPaymentFailed = "payment_failed"
	ReasonUnderfunded   = "underfunded_payment"
	ReasonWindowExpired = "confirmation_window_expired"
	ReasonCreditExpired = "credit_hold_expired"
)

// FeeRate is the checkout fee added to the order value.
var FeeRate = decimal.RequireFromString("0.01")

// Order is a storefront order tracked for payment.
type Order struct {
	ID               string          `json:"order_id"`
	BuyerAddress     string          `json:"buyer_address,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	Status           Status          `json:"status"`
	ExpectedUSD      decimal.Decimal `json:"expected_usd"`
	CreditAppliedUSD decimal.Decimal `json:"credit_applied_usd"`
	PaidAsset        string          `json:"paid_asset,omitempty"`
	RequiredAmount   decimal.Decimal `json:"required_amount"`
	PaidAmount       decimal.Decimal `json:"paid_amount"`
	TxHash           string          `json:"tx_hash,omitempty"`
	EscrowID         string          `json:"escrow_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreditAppliedAt  *time.Time      `json:"credit_applied_at,omitempty"`
	SubmittedAt      *time.Time      `json:"submitted_at,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AwaitingPayment reports whether the order can still be confirmed.
func (o *Order) AwaitingPayment() bool {
	return o.Status == StatusPending || o.Status == StatusPaymentSubmitted
}

// MayApplyCredit reports whether the loyalty account at key, linked to
// linkedUser, may spend store credit on the order: it must be the order's
// buyer address or the account of the order's customer.
func (o *Order) MayApplyCredit(key, linkedUser string) bool {
	if o.BuyerAddress != "" && key == o.BuyerAddress {
		return true
	}
	return o.UserID != "" && linkedUser == o.UserID
}

// HoldsCredit reports whether a pending order has store credit debited
// against it.
func (o *Order) HoldsCredit() bool {
	return o.Status == StatusPending && o.CreditAppliedUSD.IsPositive()
}

// RequiredUSD is the USD value the payment must cover: the order value less
// applied store credit, plus the fee, rounded up to ledger precision.
func (o *Order) RequiredUSD() decimal.Decimal {
	due := o.ExpectedUSD.Sub(o.CreditAppliedUSD)
	if due.IsNegative() {
		due = decimal.Zero
	}
	return amount.CeilLedger(due.Mul(decimal.NewFromInt(1).Add(FeeRate)))
}

// RewardUnits is the loyalty reward for the order. Store credit does not
// reduce it.
func (o *Order) RewardUnits() decimal.Decimal {
	return loyalty.Reward(o.ExpectedUSD)
}

// Intake is an order announced by the storefront.
type Intake struct {
	ID           string
	BuyerAddress string
	UserID       string
	ExpectedUSD  decimal.Decimal
}

// Submission binds a transaction to an order whose payment is not yet
// visible on the ledger.
type Submission struct {
	OrderID        string
	TxHash         string
	BuyerAddress   string
	Asset          string
	RequiredAmount decimal.Decimal
	EscrowID       string
	At             time.Time
}

// ConfirmParams is a verified payment to apply to an order.
type ConfirmParams struct {
	OrderID      string
	TxHash       string
	BuyerAddress string
	Asset        string
	Required     decimal.Decimal
	PaidAmount   decimal.Decimal
	EscrowID     string
	AccountKey   string // loyalty account credited
	Replaces     string // unconfirmed hash this payment supersedes, if any
	At           time.Time
}

// ConfirmOutcome is the result of Store.Confirm. Created is false when the
// order was already confirmed with the same transaction.
type ConfirmOutcome struct {
	Order   *Order
	Accrual *loyalty.Accrual
	Created bool
}

// Store persists orders. Every method that moves a balance does so in the
// same transaction as the order change.
type Store interface {
	Get(ctx context.Context, id string) (*Order, error)
	GetByTxHash(ctx context.Context, txHash string) (*Order, error)

	// RegisterPending creates the order or refreshes a pending one. A failed
	// order is re-opened; confirmed and submitted orders are returned as is.
	RegisterPending(ctx context.Context, in Intake) (*Order, error)

	// MarkSubmitted binds the transaction and moves the order to
	// payment_submitted. It never changes the order's buyer address.
	MarkSubmitted(ctx context.Context, s Submission) (*Order, error)

	// Confirm moves the order to confirmed and accrues its reward. A
	// submitted order's bound hash may be superseded only when p.Replaces
	// names it.
	Confirm(ctx context.Context, p ConfirmParams) (*ConfirmOutcome, error)

	// Fail moves the order to failed and refunds applied store credit.
	Fail(ctx context.Context, id, reason string) (*Order, *loyalty.CreditDebit, error)

	// ApplyCredit debits store credit against a pending order. The account
	// must pass Order.MayApplyCredit.
	ApplyCredit(ctx context.Context, id, account string, requested decimal.Decimal) (*Order, *loyalty.CreditDebit, error)

	// ListCreditHolds returns pending orders whose store credit was applied
	// before the cutoff, oldest first.
	ListCreditHolds(ctx context.Context, before time.Time, limit int) ([]*Order, error)

	// ListSubmitted returns orders awaiting ledger confirmation, oldest first.
	ListSubmitted(ctx context.Context, limit int) ([]*Order, error)
}
