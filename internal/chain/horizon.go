package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/circuitbreaker"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/metrics"
	"github.com/mbd888/smokypay/internal/retry"
	"github.com/mbd888/smokypay/internal/traces"
	"github.com/shopspring/decimal"
)

const (
	upstreamName = "horizon"
	maxBodySize  = 4 << 20
	opsPageLimit = 200
)

// statusError is a non-2xx Horizon response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("horizon: status %d: %s", e.Status, e.Body)
}

// HorizonClient implements Ledger against a Horizon server.
type HorizonClient struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
	logger  *slog.Logger
}

// NewHorizonClient creates a client for baseURL (e.g.
// https://horizon-testnet.stellar.org). policy bounds transaction polling.
func NewHorizonClient(baseURL string, policy retry.Policy, logger *slog.Logger) *HorizonClient {
	if logger == nil {
		logger = slog.Default()
	}
	b := circuitbreaker.New(5, 30*time.Second)
	b.IsFailure = isUpstreamFailure
	return &HorizonClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: b,
		policy:  policy,
		logger:  logger,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *HorizonClient) WithHTTPClient(h *http.Client) *HorizonClient {
	c.http = h
	return c
}

// BaseURL returns the Horizon root, used by health checks.
func (c *HorizonClient) BaseURL() string { return c.baseURL }

// AwaitTransaction polls until Horizon reports txHash, then returns it.
// A transaction that is not yet visible is retried until the window closes,
// which yields ErrPendingConfirmation. A failed transaction yields
// ErrPaymentFailed.
func (c *HorizonClient) AwaitTransaction(ctx context.Context, txHash string, window time.Duration) (tx *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "chain.AwaitTransaction", traces.TxHash(txHash))
	defer func() { traces.End(span, err) }()

	policy := c.policy
	if window > 0 {
		policy.Window = window
	}

	attempts := 0
	pollErr := retry.Poll(ctx, policy, func(ctx context.Context) (bool, error) {
		attempts++
		var rec Transaction
		err := c.get(ctx, "/transactions/"+url.PathEscape(txHash), &rec)
		switch {
		case err == nil:
			tx = &rec
			return true, nil
		case errors.Is(err, errNotFound):
			return false, nil
		case isClientError(err):
			return false, retry.Permanent(err)
		default:
			return false, err
		}
	})
	if pollErr != nil {
		if errors.Is(pollErr, retry.ErrWindowElapsed) {
			logging.L(ctx).Info("transaction not yet confirmed", "tx_hash", txHash, "attempts", attempts)
			return nil, &VerificationError{TxHash: txHash, Op: "await", Err: ErrPendingConfirmation}
		}
		return nil, fmt.Errorf("await transaction %s: %w", txHash, pollErr)
	}
	if !tx.Successful {
		return tx, &VerificationError{TxHash: txHash, Op: "await", Err: ErrPaymentFailed}
	}
	return tx, nil
}

// Transfers waits for txHash and returns the transfers it made.
func (c *HorizonClient) Transfers(ctx context.Context, txHash string, window time.Duration) (*Transaction, []Transfer, error) {
	tx, err := c.AwaitTransaction(ctx, txHash, window)
	if err != nil {
		return tx, nil, err
	}
	transfers, err := c.operations(ctx, txHash)
	if err != nil {
		return tx, nil, err
	}
	return tx, transfers, nil
}

// VerifyPayment implements Ledger.
func (c *HorizonClient) VerifyPayment(ctx context.Context, exp Expectation) (*Payment, error) {
	start := time.Now()
	tx, transfers, err := c.Transfers(ctx, exp.TxHash, exp.Window)
	if err != nil {
		observeVerify(err, start)
		return nil, err
	}
	p, err := Match(tx, transfers, exp)
	observeVerify(err, start)
	return p, err
}

// Balance implements Ledger.
func (c *HorizonClient) Balance(ctx context.Context, account string, asset Asset) (decimal.Decimal, error) {
	var rec struct {
		Balances []struct {
			Balance     string `json:"balance"`
			AssetType   string `json:"asset_type"`
			AssetCode   string `json:"asset_code"`
			AssetIssuer string `json:"asset_issuer"`
		} `json:"balances"`
	}
	if err := c.get(ctx, "/accounts/"+url.PathEscape(account), &rec); err != nil {
		if errors.Is(err, errNotFound) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("load account %s: %w", account, err)
	}
	for _, b := range rec.Balances {
		if !parseAsset(b.AssetType, b.AssetCode, b.AssetIssuer).Equal(asset) {
			continue
		}
		bal, err := amount.Parse(b.Balance)
		if err != nil {
			return decimal.Zero, fmt.Errorf("load account %s: balance %q: %w", account, b.Balance, err)
		}
		return bal, nil
	}
	return decimal.Zero, nil
}

// operationRecord covers the fields Horizon returns for payment-like
// operations and for contract invocations.
type operationRecord struct {
	Type        string `json:"type"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
	AssetType   string `json:"asset_type"`
	AssetCode   string `json:"asset_code"`
	AssetIssuer string `json:"asset_issuer"`

	AssetBalanceChanges []struct {
		Type        string `json:"type"`
		From        string `json:"from"`
		To          string `json:"to"`
		Amount      string `json:"amount"`
		AssetType   string `json:"asset_type"`
		AssetCode   string `json:"asset_code"`
		AssetIssuer string `json:"asset_issuer"`
	} `json:"asset_balance_changes"`
}

func (c *HorizonClient) operations(ctx context.Context, txHash string) ([]Transfer, error) {
	var page struct {
		Embedded struct {
			Records []operationRecord `json:"records"`
		} `json:"_embedded"`
	}
	path := fmt.Sprintf("/transactions/%s/operations?limit=%d", url.PathEscape(txHash), opsPageLimit)
	if err := c.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("load operations for %s: %w", txHash, err)
	}

	var out []Transfer
	for _, op := range page.Embedded.Records {
		switch op.Type {
		case "payment", "path_payment_strict_receive", "path_payment_strict_send":
			amt, err := amount.Parse(op.Amount)
			if err != nil {
				return nil, fmt.Errorf("operation amount %q: %w", op.Amount, err)
			}
			out = append(out, Transfer{
				Kind:   TransferPayment,
				From:   op.From,
				To:     op.To,
				Asset:  parseAsset(op.AssetType, op.AssetCode, op.AssetIssuer),
				Amount: amt,
			})
		case "invoke_host_function":
			for _, ch := range op.AssetBalanceChanges {
				if ch.Type != "transfer" {
					continue
				}
				amt, err := amount.Parse(ch.Amount)
				if err != nil {
					return nil, fmt.Errorf("balance change amount %q: %w", ch.Amount, err)
				}
				out = append(out, Transfer{
					Kind:   TransferContract,
					From:   ch.From,
					To:     ch.To,
					Asset:  parseAsset(ch.AssetType, ch.AssetCode, ch.AssetIssuer),
					Amount: amt,
				})
			}
		}
	}
	return out, nil
}

func parseAsset(assetType, code, issuer string) Asset {
	if assetType == "native" {
		return Native
	}
	return Asset{Code: code, Issuer: issuer}
}

func (c *HorizonClient) get(ctx context.Context, path string, out any) error {
	return c.breaker.Call(upstreamName, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/hal+json, application/json")

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ObserveUpstream(upstreamName, 0, start)
			return err
		}
		defer resp.Body.Close()
		metrics.ObserveUpstream(upstreamName, resp.StatusCode, start)

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errNotFound
		case resp.StatusCode >= 300:
			return &statusError{Status: resp.StatusCode, Body: truncate(string(body), 256)}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("horizon: decode %s: %w", path, err)
		}
		return nil
	})
}

// isClientError reports a 4xx other than 404: a malformed hash, for example.
// Retrying will not change the answer.
func isClientError(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests
}

// isUpstreamFailure decides what counts against the Horizon circuit: network
// errors, 5xx and 429. Lookups that 404 are expected while a transaction
// propagates, and a closing poll window is not Horizon's fault.
func isUpstreamFailure(err error) bool {
	if errors.Is(err, errNotFound) || isClientError(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
