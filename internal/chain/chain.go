// Package chain reads payment evidence from the Stellar ledger through the
// Horizon history API.
//
// The backend never trusts a client's claim that an order was paid: every
// confirmation and every loyalty burn is checked here first. Horizon may not
// know a transaction for a few seconds after submission, so lookups poll
// with bounded exponential backoff and give up with ErrPendingConfirmation
// rather than a hard failure.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/shopspring/decimal"
)

var (
	// ErrPaymentFailed means the transaction is on the ledger but did not
	// pay what was claimed: it failed, or it never credited the receiver.
	ErrPaymentFailed = errors.New("payment failed")

	// ErrNoPayment is a PaymentFailed variant for successful transactions
	// that carry no matching transfer.
	ErrNoPayment = fmt.Errorf("%w: transaction does not pay the expected receiver", ErrPaymentFailed)

	// ErrUnderfunded means a matching transfer exists but its amount is below
	// the required total.
	ErrUnderfunded = errors.New("underfunded payment")

	// ErrPendingConfirmation means the transaction did not reach a terminal
	// state within the polling window. Callers should retry later.
	ErrPendingConfirmation = errors.New("payment pending confirmation")

	// ErrAccountNotFound means Horizon has no record of the account.
	ErrAccountNotFound = errors.New("account not found")

	// errNotFound is Horizon's 404 for a transaction not yet ingested.
	errNotFound = errors.New("horizon: resource not found")
)

// Asset identifies a ledger asset. The native asset has no issuer.
type Asset struct {
	Code   string `json:"code"`
	Issuer string `json:"issuer,omitempty"`
}

// Native is the ledger's native asset.
var Native = Asset{Code: "XLM"}

// IsNative reports whether a is the native asset.
func (a Asset) IsNative() bool { return a.Issuer == "" }

// Equal compares code and issuer. Codes compare case-sensitively, as the
// ledger does.
func (a Asset) Equal(b Asset) bool {
	if a.IsNative() || b.IsNative() {
		return a.IsNative() && b.IsNative()
	}
	return a.Code == b.Code && a.Issuer == b.Issuer
}

func (a Asset) String() string {
	if a.IsNative() {
		return "native"
	}
	return a.Code + ":" + a.Issuer
}

// Transaction is the ledger's record of a submitted transaction.
type Transaction struct {
	Hash          string    `json:"hash"`
	Successful    bool      `json:"successful"`
	SourceAccount string    `json:"source_account"`
	Ledger        int64     `json:"ledger"`
	CreatedAt     time.Time `json:"created_at"`
}

// TransferKind distinguishes classic payment operations from token movements
// reported by a contract invocation.
type TransferKind string

const (
	TransferPayment  TransferKind = "payment"
	TransferContract TransferKind = "contract"
)

// Transfer is one movement of value observed in a transaction.
type Transfer struct {
	Kind   TransferKind
	From   string
	To     string
	Asset  Asset
	Amount decimal.Decimal
}

// Expectation describes the payment a transaction must contain.
type Expectation struct {
	TxHash    string
	Receiver  string          // Account (G...) or contract (C...) credited
	Sender    string          // Optional: only count transfers from this account
	Asset     Asset           // Asset that must be credited
	MinAmount decimal.Decimal // Required total, fees included
	Window    time.Duration   // Polling window; zero uses the client default
}

// Payment is a verified payment.
type Payment struct {
	TxHash string          `json:"tx_hash"`
	From   string          `json:"from"`
	To     string          `json:"to"`
	Asset  Asset           `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Ledger int64           `json:"ledger"`
}

// Ledger is the verification surface used by order reconciliation and
// loyalty redemption.
type Ledger interface {
	// VerifyPayment waits for TxHash to reach a terminal state and checks it
	// credits Receiver with at least MinAmount of Asset.
	VerifyPayment(ctx context.Context, exp Expectation) (*Payment, error)
	// Transfers waits for txHash to succeed and returns every transfer it
	// made. It is used when the asset is not known up front.
	Transfers(ctx context.Context, txHash string, window time.Duration) (*Transaction, []Transfer, error)
	// Balance returns account's holding of asset (zero without a trustline).
	Balance(ctx context.Context, account string, asset Asset) (decimal.Decimal, error)
}

// VerificationError carries the detail behind a verification failure and
// unwraps to one of the package sentinels.
type VerificationError struct {
	TxHash   string
	Op       string
	Paid     decimal.Decimal
	Required decimal.Decimal
	Err      error
}

func (e *VerificationError) Error() string {
	if errors.Is(e.Err, ErrUnderfunded) {
		return fmt.Sprintf("%s %s: %v (paid %s, required %s)",
			e.Op, e.TxHash, e.Err, amount.Format(e.Paid), amount.Format(e.Required))
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.TxHash, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Credited sums what transfers paid to receiver in asset, optionally only
// from sender. Both classic payments and contract transfers count.
func Credited(transfers []Transfer, receiver, sender string, asset Asset) (decimal.Decimal, string) {
	total := decimal.Zero
	from := ""
	for _, t := range transfers {
		if t.To != receiver || !t.Asset.Equal(asset) {
			continue
		}
		if sender != "" && t.From != sender {
			continue
		}
		total = total.Add(t.Amount)
		if from == "" {
			from = t.From
		}
	}
	return total, from
}

// Match checks transfers against exp and returns the verified payment.
func Match(tx *Transaction, transfers []Transfer, exp Expectation) (*Payment, error) {
	paid, from := Credited(transfers, exp.Receiver, exp.Sender, exp.Asset)
	if paid.IsZero() {
		return nil, &VerificationError{TxHash: exp.TxHash, Op: "verify", Err: ErrNoPayment}
	}
	if paid.LessThan(exp.MinAmount) {
		return nil, &VerificationError{
			TxHash: exp.TxHash, Op: "verify",
			Paid: paid, Required: exp.MinAmount,
			Err: ErrUnderfunded,
		}
	}
	return &Payment{
		TxHash: strings.ToLower(exp.TxHash),
		From:   from,
		To:     exp.Receiver,
		Asset:  exp.Asset,
		Amount: paid,
		Ledger: tx.Ledger,
	}, nil
}
