package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/config"
	"github.com/mbd888/smokypay/internal/enrollment"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/mbd888/smokypay/internal/oracle"
	"github.com/mbd888/smokypay/internal/syncutil"
	"github.com/mbd888/smokypay/internal/traces"
	"github.com/shopspring/decimal"
)

// AcceptedAsset is an asset buyers may pay with.
type AcceptedAsset struct {
	Symbol string
	Asset  chain.Asset
	Pair   string // oracle pair; empty when Stable
	Stable bool
}

// AssetsFromConfig converts configured assets, keeping their order.
func AssetsFromConfig(cfgs []config.AssetConfig) []AcceptedAsset {
	out := make([]AcceptedAsset, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, AcceptedAsset{
			Symbol: c.Symbol,
			Asset:  chain.Asset{Code: c.Code, Issuer: c.Issuer},
			Pair:   c.Pair,
			Stable: c.Stable,
		})
	}
	return out
}

// Enroller issues a reward wallet on a user's first confirmed order.
type Enroller interface {
	Enroll(ctx context.Context, userID string) (*enrollment.Wallet, error)
}

// OrderSource looks up orders the storefront knows but this service has not
// been told about. It returns ErrUnknownOrder when the storefront has none.
type OrderSource interface {
	FetchOrder(ctx context.Context, id string) (*Intake, error)
}

// Notifier is told about confirmed and failed orders. Implementations must
// not block.
type Notifier interface {
	OrderConfirmed(o *Order, p *chain.Payment, rewardUnits decimal.Decimal)
	OrderFailed(o *Order)
}

// Result is the outcome of a confirmation.
type Result struct {
	Order       *Order
	Payment     *chain.Payment // nil on replay
	RewardUnits decimal.Decimal
	Replayed    bool
	Wallet      *enrollment.Wallet
}

// Service is the reconciliation engine.
type Service struct {
	store    Store
	ledger   chain.Ledger
	rates    oracle.RateSource
	loyalty  *loyalty.Service
	assets   []AcceptedAsset
	bySymbol map[string]AcceptedAsset

	receiver       string
	escrowReceiver string

	enroller Enroller
	source   OrderSource
	notifier Notifier

	locks        *syncutil.KeyedMutex
	window       time.Duration // request path; zero uses the ledger default
	sweepWindow  time.Duration
	submittedTTL time.Duration
	creditTTL    time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Default sweep settings.
const (
	DefaultSweepWindow   = 5 * time.Second
	DefaultSubmittedTTL  = 24 * time.Hour
	DefaultCreditHoldTTL = 24 * time.Hour
)

// NewService creates the reconciliation engine. Payments must credit
// receiver with one of assets.
func NewService(store Store, ledger chain.Ledger, rates oracle.RateSource, ls *loyalty.Service, receiver string, assets []AcceptedAsset, logger *slog.Logger) *Service {
	bySymbol := make(map[string]AcceptedAsset, len(assets))
	for _, a := range assets {
		bySymbol[strings.ToUpper(a.Symbol)] = a
	}
	return &Service{
		store:          store,
		ledger:         ledger,
		rates:          rates,
		loyalty:        ls,
		assets:         assets,
		bySymbol:       bySymbol,
		receiver:       receiver,
		escrowReceiver: receiver,
		locks:          syncutil.NewKeyedMutex(),
		sweepWindow:    DefaultSweepWindow,
		submittedTTL:   DefaultSubmittedTTL,
		creditTTL:      DefaultCreditHoldTTL,
		now:            time.Now,
		logger:         logger,
	}
}

// WithEscrowReceiver sets the contract credited by the legacy escrow flow.
func (s *Service) WithEscrowReceiver(contractID string) *Service {
	if contractID != "" {
		s.escrowReceiver = contractID
	}
	return s
}

// WithEnroller enables wallet enrollment on first confirmation.
func (s *Service) WithEnroller(e Enroller) *Service {
	s.enroller = e
	return s
}

// WithOrderSource enables the storefront lookup for unknown orders.
func (s *Service) WithOrderSource(src OrderSource) *Service {
	s.source = src
	return s
}

// WithNotifier sets the storefront notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithVerifyWindow bounds ledger polling on the request path.
func (s *Service) WithVerifyWindow(d time.Duration) *Service {
	s.window = d
	return s
}

// WithSweepPolicy sets the sweep's polling window and how long a submitted
// order may stay unconfirmed.
func (s *Service) WithSweepPolicy(window, ttl time.Duration) *Service {
	if window > 0 {
		s.sweepWindow = window
	}
	if ttl > 0 {
		s.submittedTTL = ttl
	}
	return s
}

// WithCreditHoldTTL sets how long store credit may stay debited against an
// order that never receives a payment.
func (s *Service) WithCreditHoldTTL(d time.Duration) *Service {
	if d > 0 {
		s.creditTTL = d
	}
	return s
}

// Get returns an order.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	return s.store.Get(ctx, id)
}

// RegisterPending records an order announced by the storefront.
func (s *Service) RegisterPending(ctx context.Context, in Intake) (*Order, error) {
	unlock, err := s.locks.LockContext(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.store.RegisterPending(ctx, in)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("order registered",
		"order_id", o.ID, "status", o.Status, "expected_usd", amount.FormatUSD(o.ExpectedUSD))
	return o, nil
}

// ApplyStoreCredit debits up to requested store credit from account against
// a pending order, clamped to the balance. Repeats return the first debit.
// The account must be the order's buyer address or linked to the order's
// user; any other account gets ErrWalletMismatch.
func (s *Service) ApplyStoreCredit(ctx context.Context, orderID, account string, requested decimal.Decimal) (*Order, *loyalty.CreditDebit, error) {
	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	o, debit, err := s.store.ApplyCredit(ctx, orderID, account, requested)
	if err != nil {
		return nil, nil, err
	}
	logging.L(ctx).Info("store credit applied",
		"order_id", orderID, "account", account,
		"requested_usd", amount.FormatUSD(requested), "applied_usd", amount.FormatUSD(debit.AppliedUSD))
	return o, debit, nil
}

// claim is a confirmation normalized for verification.
type claim struct {
	orderID  string
	txHash   string
	buyer    string
	userID   string
	token    string // empty: any accepted asset
	escrowID string
	receiver string
}

func (s *Service) claimFor(c Confirmation) claim {
	cl := claim{
		orderID: c.orderID(),
		txHash:  strings.ToLower(strings.TrimSpace(c.txHash())),
		buyer:   c.buyer(),
	}
	switch v := c.(type) {
	case OrderConfirmed:
		cl.userID = v.UserID
		cl.token = v.Token
		cl.receiver = s.receiver
	case EscrowLinked:
		cl.escrowID = v.EscrowID
		cl.receiver = s.escrowReceiver
	default:
		panic(fmt.Sprintf("orders: unhandled confirmation %T", c))
	}
	return cl
}

// ConfirmPayment verifies a claimed payment on the ledger and confirms the
// order. Verification completes before anything is written. Confirming the
// same order with the same transaction again is a replay and changes nothing.
func (s *Service) ConfirmPayment(ctx context.Context, c Confirmation) (res *Result, err error) {
	cl := s.claimFor(c)
	ctx = logging.WithOrder(ctx, cl.orderID, cl.txHash)
	ctx, span := traces.StartSpan(ctx, "orders.ConfirmPayment",
		traces.OrderID(cl.orderID), traces.TxHash(cl.txHash), traces.Account(cl.buyer))
	defer func() {
		traces.End(span, err)
		confirmations.WithLabelValues(confirmResult(res, err)).Inc()
	}()

	unlock, err := s.locks.LockContext(ctx, cl.orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.load(ctx, cl.orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerAddress != "" && cl.buyer != o.BuyerAddress {
		return nil, fmt.Errorf("%w: order %s is paid from %s", ErrWalletMismatch, o.ID, o.BuyerAddress)
	}
	if o.UserID != "" && cl.userID != "" && cl.userID != o.UserID {
		return nil, fmt.Errorf("%w: order %s belongs to another user", ErrWalletMismatch, o.ID)
	}
	if cl.userID == "" {
		cl.userID = o.UserID
	}

	// A submitted order's hash can be replaced only by a payment that
	// verifies; an unverifiable hash must not hold the order.
	var replaces string

	switch o.Status {
	case StatusConfirmed:
		if o.TxHash == cl.txHash {
			return &Result{Order: o, RewardUnits: o.RewardUnits(), Replayed: true}, nil
		}
		return nil, fmt.Errorf("%w: order %s was confirmed by another transaction", ErrConflict, o.ID)
	case StatusFailed:
		return nil, fmt.Errorf("%w: order %s has failed (%s)", ErrInvalidState, o.ID, o.FailureReason)
	case StatusPaymentSubmitted:
		if o.TxHash != cl.txHash {
			replaces = o.TxHash
		}
	}

	if other, err := s.store.GetByTxHash(ctx, cl.txHash); err == nil && other.ID != o.ID {
		return nil, ErrTxHashInUse
	} else if err != nil && !errors.Is(err, ErrUnknownOrder) {
		return nil, err
	}

	pay, cand, err := s.verify(ctx, o, cl, s.window)
	if err != nil {
		if errors.Is(err, chain.ErrPendingConfirmation) {
			if replaces != "" {
				return nil, fmt.Errorf("%w: order %s is awaiting transaction %s", ErrConflict, o.ID, replaces)
			}
			if markErr := s.markSubmitted(ctx, o, cl, cand); markErr != nil {
				return nil, markErr
			}
		}
		return nil, err
	}
	if replaces != "" {
		logging.L(ctx).Warn("bound transaction replaced by verified payment", "replaced_tx", replaces)
	}
	return s.apply(ctx, o, cl, pay, cand, replaces)
}

// load returns the order, registering it from the storefront when it is
// only known there.
func (s *Service) load(ctx context.Context, id string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if !errors.Is(err, ErrUnknownOrder) || s.source == nil {
		return o, err
	}

	in, err := s.source.FetchOrder(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownOrder) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch order %s from storefront: %w", id, err)
	}
	logging.L(ctx).Info("order fetched from storefront", "order_id", id)
	return s.store.RegisterPending(ctx, *in)
}

// candidate is an asset the payment may be in and the amount it must cover.
type candidate struct {
	asset    AcceptedAsset
	required decimal.Decimal
}

// candidates prices the order in each asset the claim allows. Assets whose
// quote is unavailable are skipped; the quote error is returned alongside so
// it can be reported when nothing else matches.
func (s *Service) candidates(ctx context.Context, o *Order, token string) ([]candidate, error) {
	if token != "" {
		a, ok := s.bySymbol[strings.ToUpper(token)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, token)
		}
		if o.PaidAsset == a.Symbol && o.RequiredAmount.IsPositive() {
			return []candidate{{asset: a, required: o.RequiredAmount}}, nil
		}
		req, err := s.requiredAmount(ctx, a, o.RequiredUSD())
		if err != nil {
			return nil, err
		}
		return []candidate{{asset: a, required: req}}, nil
	}

	var (
		out      []candidate
		quoteErr error
	)
	for _, a := range s.assets {
		if o.PaidAsset == a.Symbol && o.RequiredAmount.IsPositive() {
			out = append(out, candidate{asset: a, required: o.RequiredAmount})
			continue
		}
		req, err := s.requiredAmount(ctx, a, o.RequiredUSD())
		if err != nil {
			quoteErr = err
			continue
		}
		out = append(out, candidate{asset: a, required: req})
	}
	return out, quoteErr
}

// requiredAmount converts a USD amount into units of a. Volatile assets need
// a settlement-grade quote; there is no fallback rate.
func (s *Service) requiredAmount(ctx context.Context, a AcceptedAsset, usd decimal.Decimal) (decimal.Decimal, error) {
	if a.Stable {
		return amount.CeilLedger(usd), nil
	}
	q, err := s.rates.GetRate(ctx, a.Pair)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.CeilLedger(usd.Div(q.Rate)), nil
}

// verify checks the claim's transaction against every candidate asset. The
// returned candidate identifies the matched asset, or on a pending result
// the asset to record on the order.
func (s *Service) verify(ctx context.Context, o *Order, cl claim, window time.Duration) (*chain.Payment, candidate, error) {
	cands, quoteErr := s.candidates(ctx, o, cl.token)
	if len(cands) == 0 {
		if quoteErr == nil {
			quoteErr = fmt.Errorf("%w: no accepted assets", ErrUnsupportedAsset)
		}
		return nil, candidate{}, quoteErr
	}

	if len(cands) == 1 {
		c := cands[0]
		pay, err := s.ledger.VerifyPayment(ctx, chain.Expectation{
			TxHash:    cl.txHash,
			Receiver:  cl.receiver,
			Sender:    cl.buyer,
			Asset:     c.asset.Asset,
			MinAmount: c.required,
			Window:    window,
		})
		if err != nil && quoteErr != nil && errors.Is(err, chain.ErrNoPayment) {
			return nil, c, quoteErr
		}
		return pay, c, err
	}

	tx, transfers, err := s.ledger.Transfers(ctx, cl.txHash, window)
	if err != nil {
		return nil, candidate{}, err
	}
	var underfunded error
	for _, c := range cands {
		pay, err := chain.Match(tx, transfers, chain.Expectation{
			TxHash:    cl.txHash,
			Receiver:  cl.receiver,
			Sender:    cl.buyer,
			Asset:     c.asset.Asset,
			MinAmount: c.required,
		})
		if err == nil {
			return pay, c, nil
		}
		if errors.Is(err, chain.ErrUnderfunded) {
			underfunded = err
		}
	}
	switch {
	case underfunded != nil:
		return nil, candidate{}, underfunded
	case quoteErr != nil:
		return nil, candidate{}, quoteErr
	default:
		return nil, candidate{}, &chain.VerificationError{TxHash: cl.txHash, Op: "verify", Err: chain.ErrNoPayment}
	}
}

func (s *Service) markSubmitted(ctx context.Context, o *Order, cl claim, c candidate) error {
	sub := Submission{
		OrderID:        o.ID,
		TxHash:         cl.txHash,
		BuyerAddress:   cl.buyer,
		Asset:          c.asset.Symbol,
		RequiredAmount: c.required,
		EscrowID:       cl.escrowID,
		At:             s.now(),
	}
	if _, err := s.store.MarkSubmitted(ctx, sub); err != nil {
		return err
	}
	logging.L(ctx).Info("payment submitted, awaiting ledger confirmation")
	return nil
}

// apply records a verified payment. replaces is the unconfirmed hash the
// payment supersedes, if any.
func (s *Service) apply(ctx context.Context, o *Order, cl claim, pay *chain.Payment, c candidate, replaces string) (*Result, error) {
	buyer := cl.buyer
	if buyer == "" {
		buyer = o.BuyerAddress
	}
	key := s.loyalty.AccountKeyFor(ctx, buyer, cl.userID)

	out, err := s.store.Confirm(ctx, ConfirmParams{
		OrderID:      o.ID,
		TxHash:       cl.txHash,
		BuyerAddress: buyer,
		Asset:        c.asset.Symbol,
		Required:     c.required,
		PaidAmount:   pay.Amount,
		EscrowID:     cl.escrowID,
		AccountKey:   key,
		Replaces:     replaces,
		At:           s.now(),
	})
	if err != nil {
		return nil, err
	}

	reward := out.Order.RewardUnits()
	res := &Result{Order: out.Order, Payment: pay, RewardUnits: reward, Replayed: !out.Created}
	if !out.Created {
		return res, nil
	}

	loyalty.RecordAccrual(reward)
	logging.L(ctx).Info("order confirmed",
		"asset", c.asset.Symbol, "paid", amount.Format(pay.Amount), "required", amount.Format(c.required),
		"account", key, "reward_units", amount.Format(reward))

	if cl.userID != "" {
		if key == buyer {
			s.loyalty.LinkBestEffort(ctx, buyer, cl.userID)
		}
		if s.enroller != nil {
			wallet, err := s.enroller.Enroll(ctx, cl.userID)
			if err != nil {
				logging.L(ctx).Warn("wallet enrollment failed", "user_id", cl.userID, "error", err)
			} else {
				res.Wallet = wallet
			}
		}
	}
	if s.notifier != nil {
		s.notifier.OrderConfirmed(out.Order, pay, reward)
	}
	return res, nil
}

// Reconcile re-verifies one submitted order with the sweep's short window.
// It confirms, fails, or leaves the order for the next sweep. The returned
// string names the outcome.
func (s *Service) Reconcile(ctx context.Context, id string) (outcome string, err error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if o.Status != StatusPaymentSubmitted {
		return "skipped", nil
	}
	ctx = logging.WithOrder(ctx, o.ID, o.TxHash)

	cl := claim{
		orderID:  o.ID,
		txHash:   o.TxHash,
		buyer:    o.BuyerAddress,
		userID:   o.UserID,
		token:    o.PaidAsset,
		escrowID: o.EscrowID,
		receiver: s.receiver,
	}
	if o.EscrowID != "" {
		cl.receiver = s.escrowReceiver
	}

	pay, cand, err := s.verify(ctx, o, cl, s.sweepWindow)
	switch {
	case err == nil:
		if _, err := s.apply(ctx, o, cl, pay, cand, ""); err != nil {
			return "", err
		}
		return "confirmed", nil
	case errors.Is(err, chain.ErrUnderfunded):
		return s.fail(ctx, o, ReasonUnderfunded)
	case errors.Is(err, chain.ErrPaymentFailed):
		return s.fail(ctx, o, ReasonPaymentFailed)
	case errors.Is(err, chain.ErrPendingConfirmation):
		if o.SubmittedAt != nil && s.now().Sub(*o.SubmittedAt) > s.submittedTTL {
			return s.fail(ctx, o, ReasonWindowExpired)
		}
		return "pending", nil
	default:
		// Oracle or upstream trouble: try again next sweep.
		logging.L(ctx).Warn("reconcile deferred", "error", err)
		return "deferred", nil
	}
}

func (s *Service) fail(ctx context.Context, o *Order, reason string) (string, error) {
	failed, refund, err := s.store.Fail(ctx, o.ID, reason)
	if err != nil {
		return "", err
	}
	attrs := []any{"reason", reason}
	if refund != nil {
		attrs = append(attrs, "refunded_usd", amount.FormatUSD(refund.AppliedUSD))
	}
	logging.L(ctx).Warn("order failed", attrs...)
	if s.notifier != nil {
		s.notifier.OrderFailed(failed)
	}
	return "failed", nil
}

// ListExpiredCreditHolds returns pending orders whose store credit has been
// held longer than the credit hold TTL.
func (s *Service) ListExpiredCreditHolds(ctx context.Context, limit int) ([]*Order, error) {
	return s.store.ListCreditHolds(ctx, s.now().Add(-s.creditTTL), limit)
}

// ReleaseCreditHold fails a pending order whose store credit hold expired,
// refunding the credit. The order can be reopened by the storefront.
func (s *Service) ReleaseCreditHold(ctx context.Context, id string) (string, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	o, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !o.HoldsCredit() || o.CreditAppliedAt == nil || s.now().Sub(*o.CreditAppliedAt) <= s.creditTTL {
		return "skipped", nil
	}
	ctx = logging.WithOrder(ctx, o.ID, "")
	if _, err := s.fail(ctx, o, ReasonCreditExpired); err != nil {
		return "", err
	}
	return "credit_expired", nil
}

// ListSubmitted returns orders awaiting ledger confirmation.
func (s *Service) ListSubmitted(ctx context.Context, limit int) ([]*Order, error) {
	return s.store.ListSubmitted(ctx, limit)
}

func confirmResult(res *Result, err error) string {
	switch {
	case err == nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "confirmed"
	case errors.Is(err, chain.ErrPendingConfirmation):
		return "pending"
	case errors.Is(err, chain.ErrUnderfunded):
		return "underfunded"
	case errors.Is(err, chain.ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, ErrUnknownOrder):
		return "unknown_order"
	case errors.Is(err, ErrWalletMismatch):
		return "wallet_mismatch"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, oracle.ErrStaleQuote), errors.Is(err, oracle.ErrOracleUnavailable):
		return "oracle_unavailable"
	default:
		return "error"
	}
}
