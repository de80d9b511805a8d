// Package enrollment issues custodial reward wallets.
//
// A user is enrolled at most once. The secret seed of a new keypair is
// returned in the single response that creates it and is never stored: the
// store only holds the public key.
package enrollment

import (
	"context"
	"errors"
	"time"
)

var ErrNotEnrolled = errors.New("user is not enrolled")

const (
	// NewWalletMessage accompanies a freshly issued secret.
	NewWalletMessage = "IMPORTANT: Write down your Secret Key. We do NOT store it. If lost, your ZMOKE cannot be recovered."
	// EnrolledMessage accompanies a repeat request.
	EnrolledMessage = "You already have a wallet linked to your account. Secret key was shown during initial signup."
)

// Record is the persisted enrollment. There is no secret field.
type Record struct {
	UserID    string    `json:"user_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Wallet is the result of an enrollment. SecretKey is set only when
// Issued is true.
type Wallet struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key"`
	Message   string `json:"message"`
	Issued    bool   `json:"-"`
}

// Store persists enrollments.
type Store interface {
	Get(ctx context.Context, userID string) (*Record, error)
	// InsertIfAbsent stores rec unless userID is already enrolled. It
	// returns the stored record and whether rec was the one inserted.
	InsertIfAbsent(ctx context.Context, rec *Record) (*Record, bool, error)
}
