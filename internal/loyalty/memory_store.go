package loyalty

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory loyalty store for demo/development mode.
type MemoryStore struct {
	accounts    map[string]*Account
	users       map[string]string // user id -> account key
	accruals    map[string]*Accrual
	redemptions map[string]*Redemption
	debits      map[string]*CreditDebit
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory loyalty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		users:       make(map[string]string),
		accruals:    make(map[string]*Accrual),
		redemptions: make(map[string]*Redemption),
		debits:      make(map[string]*CreditDebit),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.users[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *m.accounts[key]
	return &cp, nil
}

func (m *MemoryStore) Link(ctx context.Context, key, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.users[userID]; ok && owner != key {
		return nil, ErrLinkConflict
	}
	acct := m.accountLocked(key)
	if acct.UserID != "" && acct.UserID != userID {
		return nil, ErrLinkConflict
	}
	if acct.UserID == "" {
		acct.UserID = userID
		acct.UpdatedAt = time.Now()
		m.users[userID] = key
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Accrue(ctx context.Context, orderID, key string, units decimal.Decimal) (*Accrual, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accruals[orderID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	now := time.Now()
	acct := m.accountLocked(key)
	acct.AccruedUnits = acct.AccruedUnits.Add(units)
	acct.UpdatedAt = now

	a := &Accrual{OrderID: orderID, AccountKey: key, Units: units, CreatedAt: now}
	m.accruals[orderID] = a
	cp := *a
	return &cp, true, nil
}

func (m *MemoryStore) Redeem(ctx context.Context, r *Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.redemptions[r.BurnTxHash]; ok {
		return ErrDuplicateRedemption
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	acct := m.accountLocked(r.AccountKey)
	acct.StoreCreditUSD = acct.StoreCreditUSD.Add(r.CreditedUSD)
	acct.UpdatedAt = r.CreatedAt

	cp := *r
	m.redemptions[r.BurnTxHash] = &cp
	return nil
}

func (m *MemoryStore) GetRedemption(ctx context.Context, burnTxHash string) (*Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.redemptions[burnTxHash]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) DebitCredit(ctx context.Context, orderID, key string, requested decimal.Decimal) (*CreditDebit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.debits[orderID]; ok {
		cp := *existing
		return &cp, nil
	}
	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}

	applied := decimal.Min(requested, acct.StoreCreditUSD)
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	now := time.Now()
	acct.StoreCreditUSD = acct.StoreCreditUSD.Sub(applied)
	acct.UpdatedAt = now

	d := &CreditDebit{
		OrderID:      orderID,
		AccountKey:   key,
		RequestedUSD: requested,
		AppliedUSD:   applied,
		CreatedAt:    now,
	}
	m.debits[orderID] = d
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) RefundCredit(ctx context.Context, orderID string) (*CreditDebit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.debits[orderID]
	if !ok || d.RefundedAt != nil {
		return nil, nil
	}
	now := time.Now()
	acct := m.accountLocked(d.AccountKey)
	acct.StoreCreditUSD = acct.StoreCreditUSD.Add(d.AppliedUSD)
	acct.UpdatedAt = now
	d.RefundedAt = &now

	cp := *d
	return &cp, nil
}

// accountLocked returns the account for key, creating an empty one.
// Callers hold m.mu.
func (m *MemoryStore) accountLocked(key string) *Account {
	acct, ok := m.accounts[key]
	if !ok {
		now := time.Now()
		acct = &Account{
			Key:            key,
			AccruedUnits:   decimal.Zero,
			StoreCreditUSD: decimal.Zero,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		m.accounts[key] = acct
	}
	return acct
}

var _ Store = (*MemoryStore)(nil)
