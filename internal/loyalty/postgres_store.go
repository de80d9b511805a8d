package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/smokypay/internal/dbtx"
	"github.com/shopspring/decimal"
)

// PostgresStore persists loyalty data in PostgreSQL.
//
// The *Tx functions run inside a caller's transaction so the order store can
// make an order transition and its balance effect commit together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed loyalty store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `account_key, user_id, accrued_units, store_credit_usd, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, key string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE account_key = $1`, key)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE user_id = $1`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return acct, err
}

func (p *PostgresStore) Link(ctx context.Context, key, userID string) (*Account, error) {
	var acct *Account
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		if err := ensureAccountTx(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE loyalty_accounts SET user_id = $2, updated_at = NOW()
			WHERE account_key = $1 AND user_id IS NULL`,
			key, userID)
		if err != nil {
			if dbtx.IsUniqueViolation(err) {
				return ErrLinkConflict
			}
			return fmt.Errorf("link account: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE account_key = $1`, key)
		acct, err = scanAccount(row)
		if err != nil {
			return fmt.Errorf("read account: %w", err)
		}
		if acct.UserID != userID {
			return ErrLinkConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Accrue(ctx context.Context, orderID, key string, units decimal.Decimal) (*Accrual, bool, error) {
	var (
		accrual *Accrual
		created bool
	)
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		accrual, created, err = AccrueTx(ctx, tx, orderID, key, units)
		return err
	})
	return accrual, created, err
}

func (p *PostgresStore) Redeem(ctx context.Context, r *Redemption) error {
	return dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		if err := ensureAccountTx(ctx, tx, r.AccountKey); err != nil {
			return err
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO loyalty_redemptions (burn_tx_hash, account_key, units, credited_usd)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			r.BurnTxHash, r.AccountKey, r.Units, r.CreditedUSD,
		).Scan(&r.CreatedAt)
		if err != nil {
			if dbtx.IsUniqueViolation(err) {
				return ErrDuplicateRedemption
			}
			return fmt.Errorf("insert redemption: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE loyalty_accounts
			SET store_credit_usd = store_credit_usd + $2, updated_at = NOW()
			WHERE account_key = $1`,
			r.AccountKey, r.CreditedUSD)
		if err != nil {
			return fmt.Errorf("credit store balance: %w", err)
		}
		return nil
	})
}

func (p *PostgresStore) GetRedemption(ctx context.Context, burnTxHash string) (*Redemption, error) {
	r := &Redemption{}
	err := p.db.QueryRowContext(ctx, `
		SELECT burn_tx_hash, account_key, units, credited_usd, created_at
		FROM loyalty_redemptions WHERE burn_tx_hash = $1`, burnTxHash,
	).Scan(&r.BurnTxHash, &r.AccountKey, &r.Units, &r.CreditedUSD, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) DebitCredit(ctx context.Context, orderID, key string, requested decimal.Decimal) (*CreditDebit, error) {
	var debit *CreditDebit
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		debit, err = DebitCreditTx(ctx, tx, orderID, key, requested)
		return err
	})
	return debit, err
}

func (p *PostgresStore) RefundCredit(ctx context.Context, orderID string) (*CreditDebit, error) {
	var debit *CreditDebit
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		debit, err = RefundCreditTx(ctx, tx, orderID)
		return err
	})
	return debit, err
}

// AccrueTx is Accrue inside tx.
func AccrueTx(ctx context.Context, tx *sql.Tx, orderID, key string, units decimal.Decimal) (*Accrual, bool, error) {
	if err := ensureAccountTx(ctx, tx, key); err != nil {
		return nil, false, err
	}

	a := &Accrual{OrderID: orderID, AccountKey: key, Units: units}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO loyalty_accruals (order_id, account_key, units)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING created_at`,
		orderID, key, units,
	).Scan(&a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing := &Accrual{}
		err = tx.QueryRowContext(ctx, `
			SELECT order_id, account_key, units, created_at
			FROM loyalty_accruals WHERE order_id = $1`, orderID,
		).Scan(&existing.OrderID, &existing.AccountKey, &existing.Units, &existing.CreatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("read accrual: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert accrual: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET accrued_units = accrued_units + $2, updated_at = NOW()
		WHERE account_key = $1`,
		key, units)
	if err != nil {
		return nil, false, fmt.Errorf("accrue units: %w", err)
	}
	return a, true, nil
}

// DebitCreditTx is DebitCredit inside tx.
func DebitCreditTx(ctx context.Context, tx *sql.Tx, orderID, key string, requested decimal.Decimal) (*CreditDebit, error) {
	existing, err := getDebitTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT store_credit_usd FROM loyalty_accounts
		WHERE account_key = $1 FOR UPDATE`, key,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	applied := decimal.Min(requested, balance)
	if applied.IsNegative() {
		applied = decimal.Zero
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET store_credit_usd = store_credit_usd - $2, updated_at = NOW()
		WHERE account_key = $1`,
		key, applied)
	if err != nil {
		return nil, fmt.Errorf("debit store credit: %w", err)
	}

	d := &CreditDebit{OrderID: orderID, AccountKey: key, RequestedUSD: requested, AppliedUSD: applied}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO store_credit_debits (order_id, account_key, requested_usd, applied_usd)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		orderID, key, requested, applied,
	).Scan(&d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert debit: %w", err)
	}
	return d, nil
}

// RefundCreditTx is RefundCredit inside tx.
func RefundCreditTx(ctx context.Context, tx *sql.Tx, orderID string) (*CreditDebit, error) {
	d, err := getDebitTx(ctx, tx, orderID)
	if err != nil || d == nil || d.RefundedAt != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET store_credit_usd = store_credit_usd + $2, updated_at = NOW()
		WHERE account_key = $1`,
		d.AccountKey, d.AppliedUSD)
	if err != nil {
		return nil, fmt.Errorf("refund store credit: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `UPDATE store_credit_debits SET refunded_at = $2 WHERE order_id = $1`, orderID, now)
	if err != nil {
		return nil, fmt.Errorf("mark debit refunded: %w", err)
	}
	d.RefundedAt = &now
	return d, nil
}

// GetTx reads and locks an account inside tx.
func GetTx(ctx context.Context, tx *sql.Tx, key string) (*Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM loyalty_accounts WHERE account_key = $1 FOR UPDATE`, key)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	return acct, nil
}

func ensureAccountTx(ctx context.Context, tx *sql.Tx, key string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (account_key) VALUES ($1)
		ON CONFLICT (account_key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func getDebitTx(ctx context.Context, tx *sql.Tx, orderID string) (*CreditDebit, error) {
	d := &CreditDebit{}
	var refundedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT order_id, account_key, requested_usd, applied_usd, refunded_at, created_at
		FROM store_credit_debits WHERE order_id = $1 FOR UPDATE`, orderID,
	).Scan(&d.OrderID, &d.AccountKey, &d.RequestedUSD, &d.AppliedUSD, &refundedAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get debit: %w", err)
	}
	d.RefundedAt = dbtx.TimePtr(refundedAt)
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	acct := &Account{}
	var userID sql.NullString
	err := s.Scan(&acct.Key, &userID, &acct.AccruedUnits, &acct.StoreCreditUSD, &acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	acct.UserID = userID.String
	return acct, nil
}

var _ Store = (*PostgresStore)(nil)
