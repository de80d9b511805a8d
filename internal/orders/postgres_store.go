package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/smokypay/internal/dbtx"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/shopspring/decimal"
)

// PostgresStore persists orders in PostgreSQL. Balance effects go through
// the loyalty *Tx helpers inside the order's transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `order_id, buyer_address, user_id, status, expected_usd, credit_applied_usd,
		       paid_asset, required_amount, paid_amount, tx_hash, escrow_id, failure_reason,
		       submitted_at, confirmed_at, credit_applied_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownOrder
	}
	return o, err
}

func (p *PostgresStore) GetByTxHash(ctx context.Context, txHash string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE tx_hash = $1`, txHash)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownOrder
	}
	return o, err
}

func (p *PostgresStore) RegisterPending(ctx context.Context, in Intake) (*Order, error) {
	var out *Order
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, buyer_address, user_id, expected_usd)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (order_id) DO NOTHING`,
			in.ID, in.BuyerAddress, dbtx.NullString(in.UserID), in.ExpectedUSD)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				expected_usd = $2,
				buyer_address = COALESCE(NULLIF($3, ''), buyer_address),
				user_id = COALESCE($4, user_id),
				status = 'pending',
				tx_hash = CASE WHEN status = 'failed' THEN NULL ELSE tx_hash END,
				paid_asset = CASE WHEN status = 'failed' THEN NULL ELSE paid_asset END,
				required_amount = CASE WHEN status = 'failed' THEN NULL ELSE required_amount END,
				paid_amount = CASE WHEN status = 'failed' THEN NULL ELSE paid_amount END,
				failure_reason = NULL,
				submitted_at = CASE WHEN status = 'failed' THEN NULL ELSE submitted_at END,
				updated_at = NOW()
			WHERE order_id = $1 AND status IN ('pending', 'failed')`,
			in.ID, in.ExpectedUSD, in.BuyerAddress, dbtx.NullString(in.UserID))
		if err != nil {
			return fmt.Errorf("refresh order: %w", err)
		}

		out, err = getForUpdate(ctx, tx, in.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) MarkSubmitted(ctx context.Context, s Submission) (*Order, error) {
	var out *Order
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		o, err := getForUpdate(ctx, tx, s.OrderID)
		if err != nil {
			return err
		}
		if !o.AwaitingPayment() {
			return ErrInvalidState
		}
		if o.TxHash != "" && o.TxHash != s.TxHash {
			return ErrConflict
		}
		if !sameBuyer(o, s.BuyerAddress) {
			return ErrWalletMismatch
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				status = 'payment_submitted', tx_hash = $2, paid_asset = $3, required_amount = $4,
				buyer_address = COALESCE(NULLIF(buyer_address, ''), $5),
				escrow_id = COALESCE($6, escrow_id),
				submitted_at = COALESCE(submitted_at, $7), updated_at = $7
			WHERE order_id = $1`,
			s.OrderID, s.TxHash, s.Asset, s.RequiredAmount,
			s.BuyerAddress, dbtx.NullString(s.EscrowID), s.At)
		if err != nil {
			if dbtx.IsUniqueViolation(err) {
				return ErrTxHashInUse
			}
			return fmt.Errorf("mark submitted: %w", err)
		}

		out, err = getForUpdate(ctx, tx, s.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Confirm(ctx context.Context, cp ConfirmParams) (*ConfirmOutcome, error) {
	var out *ConfirmOutcome
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		o, err := getForUpdate(ctx, tx, cp.OrderID)
		if err != nil {
			return err
		}
		if o.Status == StatusConfirmed {
			if o.TxHash == cp.TxHash {
				out = &ConfirmOutcome{Order: o}
				return nil
			}
			return ErrConflict
		}
		if !o.AwaitingPayment() {
			return ErrInvalidState
		}
		if o.TxHash != "" && o.TxHash != cp.TxHash && !supersedes(o, cp) {
			return ErrConflict
		}
		if !sameBuyer(o, cp.BuyerAddress) {
			return ErrWalletMismatch
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET
				status = 'confirmed', tx_hash = $2, paid_asset = $3, required_amount = $4, paid_amount = $5,
				buyer_address = COALESCE(NULLIF(buyer_address, ''), $6),
				escrow_id = COALESCE($7, escrow_id), failure_reason = NULL,
				submitted_at = COALESCE(submitted_at, $8), confirmed_at = $8, updated_at = $8
			WHERE order_id = $1`,
			cp.OrderID, cp.TxHash, cp.Asset, cp.Required, cp.PaidAmount,
			cp.BuyerAddress, dbtx.NullString(cp.EscrowID), cp.At)
		if err != nil {
			if dbtx.IsUniqueViolation(err) {
				return ErrTxHashInUse
			}
			return fmt.Errorf("confirm order: %w", err)
		}

		accrual, _, err := loyalty.AccrueTx(ctx, tx, cp.OrderID, cp.AccountKey, o.RewardUnits())
		if err != nil {
			return err
		}

		confirmed, err := getForUpdate(ctx, tx, cp.OrderID)
		if err != nil {
			return err
		}
		out = &ConfirmOutcome{Order: confirmed, Accrual: accrual, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) Fail(ctx context.Context, id, reason string) (*Order, *loyalty.CreditDebit, error) {
	var (
		out    *Order
		refund *loyalty.CreditDebit
	)
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		o, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case StatusFailed:
			out = o
			return nil
		case StatusConfirmed:
			return ErrInvalidState
		}

		refund, err = loyalty.RefundCreditTx(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET status = 'failed', failure_reason = $2, credit_applied_usd = 0,
				credit_applied_at = NULL, updated_at = NOW()
			WHERE order_id = $1`, id, reason)
		if err != nil {
			return fmt.Errorf("fail order: %w", err)
		}
		out, err = getForUpdate(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, refund, nil
}

func (p *PostgresStore) ApplyCredit(ctx context.Context, id, account string, requested decimal.Decimal) (*Order, *loyalty.CreditDebit, error) {
	var (
		out   *Order
		debit *loyalty.CreditDebit
	)
	err := dbtx.Serializable(ctx, p.db, func(tx *sql.Tx) error {
		o, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrInvalidState
		}
		var linkedUser string
		acct, err := loyalty.GetTx(ctx, tx, account)
		switch {
		case err == nil:
			linkedUser = acct.UserID
		case !errors.Is(err, loyalty.ErrAccountNotFound):
			return err
		}
		if !o.MayApplyCredit(account, linkedUser) {
			return ErrWalletMismatch
		}

		debit, err = loyalty.DebitCreditTx(ctx, tx, id, account, decimal.Min(requested, o.ExpectedUSD))
		if err != nil {
			return err
		}
		if debit.RefundedAt != nil {
			return ErrCreditRefunded
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET credit_applied_usd = $2, credit_applied_at = COALESCE(credit_applied_at, $3),
				updated_at = NOW()
			WHERE order_id = $1`,
			id, debit.AppliedUSD, debit.CreatedAt)
		if err != nil {
			return fmt.Errorf("record applied credit: %w", err)
		}
		out, err = getForUpdate(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, debit, nil
}

func (p *PostgresStore) ListSubmitted(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'payment_submitted'
		ORDER BY submitted_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted orders: %w", err)
	}
	return scanOrders(rows)
}

func (p *PostgresStore) ListCreditHolds(ctx context.Context, before time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' AND credit_applied_usd > 0 AND credit_applied_at < $1
		ORDER BY credit_applied_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit holds: %w", err)
	}
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownOrder
	}
	if err != nil {
		return nil, fmt.Errorf("read order: %w", err)
	}
	return o, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		status         string
		userID         sql.NullString
		paidAsset      sql.NullString
		requiredAmount decimal.NullDecimal
		paidAmount     decimal.NullDecimal
		txHash         sql.NullString
		escrowID       sql.NullString
		failureReason  sql.NullString
		submittedAt    sql.NullTime
		confirmedAt    sql.NullTime
		creditAt       sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.BuyerAddress, &userID, &status, &o.ExpectedUSD, &o.CreditAppliedUSD,
		&paidAsset, &requiredAmount, &paidAmount, &txHash, &escrowID, &failureReason,
		&submittedAt, &confirmedAt, &creditAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.UserID = userID.String
	o.PaidAsset = paidAsset.String
	o.RequiredAmount = requiredAmount.Decimal
	o.PaidAmount = paidAmount.Decimal
	o.TxHash = txHash.String
	o.EscrowID = escrowID.String
	o.FailureReason = failureReason.String
	o.SubmittedAt = dbtx.TimePtr(submittedAt)
	o.ConfirmedAt = dbtx.TimePtr(confirmedAt)
	o.CreditAppliedAt = dbtx.TimePtr(creditAt)
	return o, nil
}

var _ Store = (*PostgresStore)(nil)
