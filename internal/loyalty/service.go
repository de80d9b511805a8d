package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/traces"
	"github.com/shopspring/decimal"
)

// Service implements redemption and the account read model.
type Service struct {
	store    Store
	ledger   chain.Ledger
	treasury string
	asset    chain.Asset
	window   time.Duration
	logger   *slog.Logger
}

// NewService creates a loyalty service. Burns count when they pay asset to
// treasury.
func NewService(store Store, ledger chain.Ledger, treasury string, asset chain.Asset, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		treasury: treasury,
		asset:    asset,
		logger:   logger,
	}
}

// WithVerifyWindow bounds how long Redeem waits for a burn to appear.
func (s *Service) WithVerifyWindow(d time.Duration) *Service {
	s.window = d
	return s
}

// Asset returns the loyalty asset.
func (s *Service) Asset() chain.Asset { return s.asset }

// RedeemRequest asks to convert a burn into store credit. A zero Amount
// redeems everything the burn moved.
type RedeemRequest struct {
	TxHash       string
	BuyerAddress string
	UserID       string
	Amount       decimal.Decimal
}

// RedeemResult is a completed redemption and the resulting credit balance.
type RedeemResult struct {
	Redemption *Redemption
	Account    *Account
}

// Redeem verifies a burn of the loyalty asset to the treasury and credits
// store credit at UnitsPerUSD. Each burn hash is redeemed at most once.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (result *RedeemResult, err error) {
	hash := strings.ToLower(strings.TrimSpace(req.TxHash))
	ctx, span := traces.StartSpan(ctx, "loyalty.Redeem", traces.TxHash(hash), traces.Account(req.BuyerAddress))
	defer func() {
		traces.End(span, err)
		redemptions.WithLabelValues(redeemResult(err)).Inc()
	}()

	if prior, err := s.store.GetRedemption(ctx, hash); err != nil {
		return nil, err
	} else if prior != nil {
		return nil, ErrDuplicateRedemption
	}

	key := req.BuyerAddress
	if req.UserID != "" {
		if linked, err := s.store.GetByUser(ctx, req.UserID); err == nil && linked.Key != key {
			return nil, fmt.Errorf("%w: user %s is linked to %s", ErrWalletMismatch, req.UserID, linked.Key)
		} else if err != nil && !errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
	}

	_, transfers, err := s.ledger.Transfers(ctx, hash, s.window)
	if err != nil {
		return nil, err
	}
	burned, err := s.burned(hash, transfers, key)
	if err != nil {
		return nil, err
	}

	units := burned
	if req.Amount.IsPositive() {
		if req.Amount.GreaterThan(burned) {
			return nil, fmt.Errorf("%w: requested %s, burned %s",
				ErrInsufficientBalance, amount.Format(req.Amount), amount.Format(burned))
		}
		units = req.Amount
	}

	r := &Redemption{
		BurnTxHash:  hash,
		AccountKey:  key,
		Units:       units,
		CreditedUSD: CreditFor(units),
	}
	if err := s.store.Redeem(ctx, r); err != nil {
		return nil, err
	}
	if req.UserID != "" {
		s.linkBestEffort(ctx, key, req.UserID)
	}

	acct, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("loyalty burn redeemed",
		"tx_hash", hash, "account", key,
		"units", amount.Format(units), "credited_usd", amount.FormatUSD(r.CreditedUSD))
	return &RedeemResult{Redemption: r, Account: acct}, nil
}

// burned sums the loyalty asset the transaction paid to the treasury. Every
// such transfer must come from the redeeming account.
func (s *Service) burned(hash string, transfers []chain.Transfer, from string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range transfers {
		if t.To != s.treasury || !t.Asset.Equal(s.asset) {
			continue
		}
		if t.From != from {
			return decimal.Zero, fmt.Errorf("%w: burn %s sent from %s", ErrWalletMismatch, hash, t.From)
		}
		total = total.Add(t.Amount)
	}
	if !total.IsPositive() {
		return decimal.Zero, &chain.VerificationError{TxHash: hash, Op: "redeem", Err: chain.ErrNoPayment}
	}
	return total, nil
}

// AccountKeyFor picks the account credited for a purchase: the account
// already linked to userID if there is one, otherwise the buyer address.
func (s *Service) AccountKeyFor(ctx context.Context, buyer, userID string) string {
	if userID == "" {
		return buyer
	}
	acct, err := s.store.GetByUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrAccountNotFound) {
			logging.L(ctx).Warn("loyalty user lookup failed", "user_id", userID, "error", err)
		}
		return buyer
	}
	return acct.Key
}

// Link attaches userID to the account at key. It is set-once.
func (s *Service) Link(ctx context.Context, key, userID string) (*Account, error) {
	return s.store.Link(ctx, key, userID)
}

// LinkBestEffort links key to userID when the user has no account yet. A
// user already linked elsewhere is left alone; conflicts are logged rather
// than failing the caller.
func (s *Service) LinkBestEffort(ctx context.Context, key, userID string) {
	s.linkBestEffort(ctx, key, userID)
}

func (s *Service) linkBestEffort(ctx context.Context, key, userID string) {
	if key == "" || userID == "" {
		return
	}
	if _, err := s.store.GetByUser(ctx, userID); err == nil {
		return
	}
	if _, err := s.store.Link(ctx, key, userID); err != nil {
		logging.L(ctx).Warn("loyalty link skipped", "account", key, "user_id", userID, "error", err)
	}
}

// Summary is an account with its on-chain loyalty-asset holding.
type Summary struct {
	Account
	OnChainUnits *decimal.Decimal
	OnChainError string
}

// Summary returns the account at key. An unknown account reads as empty.
// The on-chain balance is best effort: a Horizon failure is reported in
// OnChainError instead of failing the read.
func (s *Service) Summary(ctx context.Context, key string) (*Summary, error) {
	acct, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrAccountNotFound) {
		acct = &Account{Key: key, AccruedUnits: decimal.Zero, StoreCreditUSD: decimal.Zero}
	} else if err != nil {
		return nil, err
	}

	sum := &Summary{Account: *acct}
	bal, err := s.ledger.Balance(ctx, key, s.asset)
	switch {
	case err == nil:
		sum.OnChainUnits = &bal
	case errors.Is(err, chain.ErrAccountNotFound):
		zero := decimal.Zero
		sum.OnChainUnits = &zero
	default:
		s.logger.Warn("loyalty balance lookup failed", "account", key, "error", err)
		sum.OnChainError = "balance unavailable"
	}
	return sum, nil
}

func redeemResult(err error) string {
	switch {
	case err == nil:
		return "credited"
	case errors.Is(err, ErrDuplicateRedemption):
		return "duplicate"
	case errors.Is(err, ErrWalletMismatch):
		return "wallet_mismatch"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, chain.ErrPendingConfirmation):
		return "pending"
	case errors.Is(err, chain.ErrPaymentFailed):
		return "invalid_burn"
	default:
		return "error"
	}
}
