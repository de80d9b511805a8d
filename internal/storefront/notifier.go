package storefront

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/enrollment"
	"github.com/mbd888/smokypay/internal/orders"
	"github.com/mbd888/smokypay/internal/retry"
	"github.com/shopspring/decimal"
)

// Notifier pushes reconciliation results back to the storefront. Each job
// runs in its own goroutine with bounded retry; failures are logged and
// never affect the order already recorded here.
type Notifier struct {
	client      *Client
	explorerURL string
	rewardCode  string
	logger      *slog.Logger

	attempts  int
	baseDelay time.Duration
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewNotifier creates a notifier. explorerURL is the block explorer root
// used for transaction links in order notes; rewardCode names the loyalty
// asset in reward notes.
func NewNotifier(client *Client, explorerURL, rewardCode string, logger *slog.Logger) *Notifier {
	return &Notifier{
		client:      client,
		explorerURL: explorerURL,
		rewardCode:  rewardCode,
		logger:      logger,
		attempts:    4,
		baseDelay:   time.Second,
		timeout:     2 * time.Minute,
	}
}

// WithRetry overrides the per-step retry policy.
func (n *Notifier) WithRetry(attempts int, baseDelay time.Duration) *Notifier {
	n.attempts = attempts
	n.baseDelay = baseDelay
	return n
}

// Wait blocks until every queued job has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// OrderConfirmed marks the storefront order as processing and records the
// payment on it.
func (n *Notifier) OrderConfirmed(o *orders.Order, p *chain.Payment, rewardUnits decimal.Decimal) {
	meta := []Meta{StringMeta(MetaTxHash, o.TxHash)}
	if o.EscrowID != "" {
		meta = append(meta,
			StringMeta(MetaEscrowID, o.EscrowID),
			StringMeta(MetaBuyerAddress, o.BuyerAddress))
	}
	paid := amount.Format(o.PaidAmount)
	if p != nil {
		paid = amount.Format(p.Amount)
	}

	n.run("order_confirmed", o.ID, func(ctx context.Context) error {
		if err := n.step(ctx, func() error {
			return n.client.UpdateOrder(ctx, o.ID, OrderUpdate{Status: "processing", MetaData: meta})
		}); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		note := fmt.Sprintf("Stellar payment verified: %s %s. Transaction: %s/tx/%s",
			paid, o.PaidAsset, n.explorerURL, o.TxHash)
		if err := n.step(ctx, func() error { return n.client.AddNote(ctx, o.ID, note) }); err != nil {
			return fmt.Errorf("add payment note: %w", err)
		}
		if rewardUnits.IsPositive() {
			note := fmt.Sprintf("Loyalty reward: %s %s accrued", amount.Format(rewardUnits), n.rewardCode)
			if err := n.step(ctx, func() error { return n.client.AddNote(ctx, o.ID, note) }); err != nil {
				return fmt.Errorf("add reward note: %w", err)
			}
		}
		return nil
	})
}

// OrderFailed leaves a note explaining why the payment was not accepted.
// The storefront order status is left for staff to decide.
func (n *Notifier) OrderFailed(o *orders.Order) {
	note := fmt.Sprintf("Stellar payment not accepted (%s).", o.FailureReason)
	if o.TxHash != "" {
		note += fmt.Sprintf(" Transaction: %s/tx/%s", n.explorerURL, o.TxHash)
	}
	n.run("order_failed", o.ID, func(ctx context.Context) error {
		return n.step(ctx, func() error { return n.client.AddNote(ctx, o.ID, note) })
	})
}

// SyncPublicKey records a newly enrolled wallet on the customer profile.
func (n *Notifier) SyncPublicKey(userID, publicKey string) {
	n.run("customer_key", userID, func(ctx context.Context) error {
		return n.step(ctx, func() error {
			return n.client.UpdateCustomerMeta(ctx, userID, StringMeta(MetaCustomerKey, publicKey))
		})
	})
}

func (n *Notifier) run(op, id string, job func(ctx context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("panic in storefront sync", "op", op, "id", id, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := job(ctx); err != nil {
			syncTotal.WithLabelValues(op, "error").Inc()
			n.logger.Warn("storefront sync failed", "op", op, "id", id, "error", err)
			return
		}
		syncTotal.WithLabelValues(op, "ok").Inc()
	}()
}

// step retries fn, giving up at once on client errors.
func (n *Notifier) step(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, n.attempts, n.baseDelay, func() error {
		err := fn()
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return retry.Permanent(err)
		}
		if errors.Is(err, ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

var (
	_ orders.Notifier        = (*Notifier)(nil)
	_ enrollment.ProfileSync = (*Notifier)(nil)
)
