package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory order store for demo/development mode. It
// drives the loyalty memory store under its own lock so an order change and
// its balance effect are applied together.
type MemoryStore struct {
	orders  map[string]*Order
	byTx    map[string]string // tx hash -> order id
	loyalty *loyalty.MemoryStore
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore(ls *loyalty.MemoryStore) *MemoryStore {
	return &MemoryStore{
		orders:  make(map[string]*Order),
		byTx:    make(map[string]string),
		loyalty: ls,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) GetByTxHash(ctx context.Context, txHash string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTx[txHash]
	if !ok {
		return nil, ErrUnknownOrder
	}
	return copyOrder(m.orders[id]), nil
}

func (m *MemoryStore) RegisterPending(ctx context.Context, in Intake) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	o, ok := m.orders[in.ID]
	if !ok {
		o = &Order{
			ID:               in.ID,
			Status:           StatusPending,
			CreditAppliedUSD: decimal.Zero,
			RequiredAmount:   decimal.Zero,
			PaidAmount:       decimal.Zero,
			CreatedAt:        now,
		}
		m.orders[in.ID] = o
	}

	switch o.Status {
	case StatusConfirmed, StatusPaymentSubmitted:
		return copyOrder(o), nil
	case StatusFailed:
		delete(m.byTx, o.TxHash)
		o.Status = StatusPending
		o.TxHash = ""
		o.PaidAsset = ""
		o.RequiredAmount = decimal.Zero
		o.PaidAmount = decimal.Zero
		o.FailureReason = ""
		o.SubmittedAt = nil
	}

	o.ExpectedUSD = in.ExpectedUSD
	if in.BuyerAddress != "" {
		o.BuyerAddress = in.BuyerAddress
	}
	if in.UserID != "" {
		o.UserID = in.UserID
	}
	o.UpdatedAt = now
	return copyOrder(o), nil
}

func (m *MemoryStore) MarkSubmitted(ctx context.Context, s Submission) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[s.OrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if !o.AwaitingPayment() {
		return nil, ErrInvalidState
	}
	if o.TxHash != "" && o.TxHash != s.TxHash {
		return nil, ErrConflict
	}
	if owner, ok := m.byTx[s.TxHash]; ok && owner != o.ID {
		return nil, ErrTxHashInUse
	}
	if !sameBuyer(o, s.BuyerAddress) {
		return nil, ErrWalletMismatch
	}

	o.Status = StatusPaymentSubmitted
	o.TxHash = s.TxHash
	o.PaidAsset = s.Asset
	o.RequiredAmount = s.RequiredAmount
	if o.BuyerAddress == "" {
		o.BuyerAddress = s.BuyerAddress
	}
	if s.EscrowID != "" {
		o.EscrowID = s.EscrowID
	}
	if o.SubmittedAt == nil {
		at := s.At
		o.SubmittedAt = &at
	}
	o.UpdatedAt = s.At
	m.byTx[s.TxHash] = o.ID
	return copyOrder(o), nil
}

func (m *MemoryStore) Confirm(ctx context.Context, p ConfirmParams) (*ConfirmOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[p.OrderID]
	if !ok {
		return nil, ErrUnknownOrder
	}
	if o.Status == StatusConfirmed {
		if o.TxHash == p.TxHash {
			return &ConfirmOutcome{Order: copyOrder(o)}, nil
		}
		return nil, ErrConflict
	}
	if !o.AwaitingPayment() {
		return nil, ErrInvalidState
	}
	if o.TxHash != "" && o.TxHash != p.TxHash && !supersedes(o, p) {
		return nil, ErrConflict
	}
	if owner, ok := m.byTx[p.TxHash]; ok && owner != o.ID {
		return nil, ErrTxHashInUse
	}
	if !sameBuyer(o, p.BuyerAddress) {
		return nil, ErrWalletMismatch
	}

	accrual, _, err := m.loyalty.Accrue(ctx, o.ID, p.AccountKey, o.RewardUnits())
	if err != nil {
		return nil, err
	}

	if o.TxHash != "" && o.TxHash != p.TxHash {
		delete(m.byTx, o.TxHash)
	}
	at := p.At
	o.Status = StatusConfirmed
	o.TxHash = p.TxHash
	o.PaidAsset = p.Asset
	o.RequiredAmount = p.Required
	o.PaidAmount = p.PaidAmount
	o.FailureReason = ""
	if o.BuyerAddress == "" {
		o.BuyerAddress = p.BuyerAddress
	}
	if p.EscrowID != "" {
		o.EscrowID = p.EscrowID
	}
	if o.SubmittedAt == nil {
		o.SubmittedAt = &at
	}
	o.ConfirmedAt = &at
	o.UpdatedAt = at
	m.byTx[p.TxHash] = o.ID

	return &ConfirmOutcome{Order: copyOrder(o), Accrual: accrual, Created: true}, nil
}

func (m *MemoryStore) Fail(ctx context.Context, id, reason string) (*Order, *loyalty.CreditDebit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil, ErrUnknownOrder
	}
	switch o.Status {
	case StatusFailed:
		return copyOrder(o), nil, nil
	case StatusConfirmed:
		return nil, nil, ErrInvalidState
	}

	refund, err := m.loyalty.RefundCredit(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	o.Status = StatusFailed
	o.FailureReason = reason
	o.CreditAppliedUSD = decimal.Zero
	o.CreditAppliedAt = nil
	o.UpdatedAt = time.Now()
	return copyOrder(o), refund, nil
}

func (m *MemoryStore) ApplyCredit(ctx context.Context, id, account string, requested decimal.Decimal) (*Order, *loyalty.CreditDebit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil, ErrUnknownOrder
	}
	if o.Status != StatusPending {
		return nil, nil, ErrInvalidState
	}
	var linkedUser string
	if acct, err := m.loyalty.Get(ctx, account); err == nil {
		linkedUser = acct.UserID
	}
	if !o.MayApplyCredit(account, linkedUser) {
		return nil, nil, ErrWalletMismatch
	}

	debit, err := m.loyalty.DebitCredit(ctx, id, account, decimal.Min(requested, o.ExpectedUSD))
	if err != nil {
		return nil, nil, err
	}
	if debit.RefundedAt != nil {
		return nil, nil, ErrCreditRefunded
	}
	if o.CreditAppliedAt == nil {
		at := debit.CreatedAt
		o.CreditAppliedAt = &at
	}
	o.CreditAppliedUSD = debit.AppliedUSD
	o.UpdatedAt = time.Now()
	return copyOrder(o), debit, nil
}

func (m *MemoryStore) ListCreditHolds(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.HoldsCredit() && o.CreditAppliedAt != nil && o.CreditAppliedAt.Before(before) {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreditAppliedAt.Before(*result[j].CreditAppliedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListSubmitted(ctx context.Context, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if o.Status == StatusPaymentSubmitted {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.Before(*result[j].SubmittedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// sameBuyer reports whether buyer may pay for o. An order without a buyer
// address takes the first payer's.
func sameBuyer(o *Order, buyer string) bool {
	return o.BuyerAddress == "" || buyer == "" || buyer == o.BuyerAddress
}

// supersedes reports whether p may replace the hash bound to a submitted order.
func supersedes(o *Order, p ConfirmParams) bool {
	return o.Status == StatusPaymentSubmitted && p.Replaces != "" && p.Replaces == o.TxHash
}

func copyOrder(o *Order) *Order {
	cp := *o
	return &cp
}

var _ Store = (*MemoryStore)(nil)
