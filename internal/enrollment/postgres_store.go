package enrollment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists enrollments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed enrollment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Record, error) {
	rec := &Record{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, public_key, created_at FROM wallet_enrollments WHERE user_id = $1`, userID,
	).Scan(&rec.UserID, &rec.PublicKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) InsertIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO wallet_enrollments (user_id, public_key)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING created_at`,
		rec.UserID, rec.PublicKey,
	).Scan(&rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, err := p.Get(ctx, rec.UserID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert enrollment: %w", err)
	}
	return rec, true, nil
}

var _ Store = (*PostgresStore)(nil)
