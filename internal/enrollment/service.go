package enrollment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/smokypay/internal/strkey"
)

// KeyGenerator creates account keypairs.
type KeyGenerator func() (*strkey.Keypair, error)

// Linker attaches a user to the loyalty account keyed by a public key.
type Linker interface {
	LinkBestEffort(ctx context.Context, key, userID string)
}

// ProfileSync records an issued public key on the storefront customer.
// Implementations must not block the caller.
type ProfileSync interface {
	SyncPublicKey(userID, publicKey string)
}

// Service issues wallets.
type Service struct {
	store    Store
	keys     KeyGenerator
	linker   Linker
	profiles ProfileSync
	logger   *slog.Logger
}

// NewService creates an enrollment service using strkey.Random.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		keys:   strkey.Random,
		logger: logger,
	}
}

// WithKeyGenerator replaces the keypair source.
func (s *Service) WithKeyGenerator(g KeyGenerator) *Service {
	s.keys = g
	return s
}

// WithLinker links new wallets to the user's loyalty account.
func (s *Service) WithLinker(l Linker) *Service {
	s.linker = l
	return s
}

// WithProfileSync pushes new public keys to the storefront.
func (s *Service) WithProfileSync(p ProfileSync) *Service {
	s.profiles = p
	return s
}

// Enroll issues a wallet for userID. The first call returns the secret; any
// later call returns the stored public key with an empty secret.
func (s *Service) Enroll(ctx context.Context, userID string) (*Wallet, error) {
	if rec, err := s.store.Get(ctx, userID); err == nil {
		return enrolled(rec), nil
	}

	kp, err := s.keys()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}

	rec, inserted, err := s.store.InsertIfAbsent(ctx, &Record{UserID: userID, PublicKey: kp.Address})
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Lost a race with a concurrent enrollment; the new seed is dropped.
		return enrolled(rec), nil
	}

	issued.Inc()
	s.logger.Info("wallet enrolled", "user_id", userID, "public_key", kp.Address)

	if s.linker != nil {
		s.linker.LinkBestEffort(ctx, kp.Address, userID)
	}
	if s.profiles != nil {
		s.profiles.SyncPublicKey(userID, kp.Address)
	}

	return &Wallet{
		UserID:    userID,
		PublicKey: kp.Address,
		SecretKey: kp.Seed,
		Message:   NewWalletMessage,
		Issued:    true,
	}, nil
}

// Lookup returns the user's public key, if enrolled.
func (s *Service) Lookup(ctx context.Context, userID string) (*Record, error) {
	return s.store.Get(ctx, userID)
}

func enrolled(rec *Record) *Wallet {
	return &Wallet{
		UserID:    rec.UserID,
		PublicKey: rec.PublicKey,
		Message:   EnrolledMessage,
	}
}
