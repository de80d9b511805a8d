// Package chaintest provides an in-memory chain.Ledger for service tests.
package chaintest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/smokypay/internal/chain"
	"github.com/shopspring/decimal"
)

// Tx is a transaction known to the fake ledger.
type Tx struct {
	Failed    bool
	Transfers []chain.Transfer
}

// Ledger is a scripted chain.Ledger. Unknown hashes are pending.
type Ledger struct {
	mu       sync.Mutex
	txs      map[string]*Tx
	errs     map[string]error
	balances map[string]decimal.Decimal
	calls    map[string]int
	windows  []time.Duration
}

// New returns an empty fake ledger.
func New() *Ledger {
	return &Ledger{
		txs:      make(map[string]*Tx),
		errs:     make(map[string]error),
		balances: make(map[string]decimal.Decimal),
		calls:    make(map[string]int),
	}
}

// AddTx registers a transaction.
func (l *Ledger) AddTx(hash string, tx *Tx) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[strings.ToLower(hash)] = tx
}

// Pay registers a successful transaction with a single payment.
func (l *Ledger) Pay(hash, from, to string, asset chain.Asset, amt string) {
	l.AddTx(hash, &Tx{Transfers: []chain.Transfer{{
		Kind:   chain.TransferPayment,
		From:   from,
		To:     to,
		Asset:  asset,
		Amount: decimal.RequireFromString(amt),
	}}})
}

// Fail registers a transaction that failed on the ledger.
func (l *Ledger) Fail(hash string) {
	l.AddTx(hash, &Tx{Failed: true})
}

// SetError makes every lookup of hash return err.
func (l *Ledger) SetError(hash string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs[strings.ToLower(hash)] = err
}

// SetBalance sets the balance reported for account.
func (l *Ledger) SetBalance(account string, asset chain.Asset, amt string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account+"|"+asset.String()] = decimal.RequireFromString(amt)
}

// Calls reports how many times hash was looked up.
func (l *Ledger) Calls(hash string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[strings.ToLower(hash)]
}

// Windows returns the polling windows requested so far.
func (l *Ledger) Windows() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.windows...)
}

func (l *Ledger) Transfers(ctx context.Context, txHash string, window time.Duration) (*chain.Transaction, []chain.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	hash := strings.ToLower(txHash)
	l.calls[hash]++
	l.windows = append(l.windows, window)
	if err, ok := l.errs[hash]; ok {
		return nil, nil, err
	}
	tx, ok := l.txs[hash]
	if !ok {
		return nil, nil, &chain.VerificationError{TxHash: txHash, Op: "await", Err: chain.ErrPendingConfirmation}
	}
	rec := &chain.Transaction{Hash: hash, Successful: !tx.Failed, Ledger: 1000}
	if tx.Failed {
		return rec, nil, &chain.VerificationError{TxHash: txHash, Op: "await", Err: chain.ErrPaymentFailed}
	}
	return rec, append([]chain.Transfer(nil), tx.Transfers...), nil
}

func (l *Ledger) VerifyPayment(ctx context.Context, exp chain.Expectation) (*chain.Payment, error) {
	tx, transfers, err := l.Transfers(ctx, exp.TxHash, exp.Window)
	if err != nil {
		return nil, err
	}
	return chain.Match(tx, transfers, exp)
}

func (l *Ledger) Balance(ctx context.Context, account string, asset chain.Asset) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[account+"|"+asset.String()]
	if !ok {
		return decimal.Zero, chain.ErrAccountNotFound
	}
	return bal, nil
}

var _ chain.Ledger = (*Ledger)(nil)
