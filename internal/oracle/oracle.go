// Package oracle serves settlement-grade asset/USD exchange rates.
//
// Quotes come from an external price feed, are cached process-wide (or in
// Redis when replicas share one refresher), and carry the time the feed
// observed them. A quote older than the configured max age is never used
// for settlement: callers get ErrStaleQuote instead of a guess.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/smokypay/internal/traces"
	"github.com/shopspring/decimal"
)

var (
	// ErrOracleUnavailable means no usable quote could be obtained: the feed
	// errored, or returned a missing, zero, or negative rate.
	ErrOracleUnavailable = errors.New("price oracle unavailable")

	// ErrStaleQuote means the freshest quote available is older than max age.
	ErrStaleQuote = errors.New("price quote is stale")
)

// rateDecimals is the precision of derived rates (units per USD).
const rateDecimals = 7

// Quote is an observed exchange rate: Rate USD buys one unit of the base
// asset of Pair.
type Quote struct {
	Pair       string          `json:"pair"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Estimate   bool            `json:"estimate,omitempty"`
}

// Age is how long ago the feed observed the quote.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.ObservedAt)
}

// UnitsPerUSD is how many units of the base asset one USD buys.
func (q Quote) UnitsPerUSD() decimal.Decimal {
	if !q.Rate.IsPositive() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).DivRound(q.Rate, rateDecimals)
}

// Feed fetches the latest quote for a pair from upstream.
type Feed interface {
	Fetch(ctx context.Context, pair string) (Quote, error)
}

// Cache holds the most recent quote per pair.
type Cache interface {
	Get(ctx context.Context, pair string) (Quote, bool, error)
	Set(ctx context.Context, q Quote) error
}

// RateSource is the settlement surface consumed by order reconciliation.
type RateSource interface {
	GetRate(ctx context.Context, pair string) (Quote, error)
}

// Gateway validates and caches feed quotes.
type Gateway struct {
	feed         Feed
	cache        Cache
	maxAge       time.Duration
	estimateRate decimal.Decimal
	logger       *slog.Logger
	now          func() time.Time

	// refreshMu serializes upstream fetches per pair so a cold cache under
	// load causes one feed call, not one per request.
	refreshMu sync.Map
}

// NewGateway creates a gateway. maxAge bounds how old an observation may be
// when used for settlement.
func NewGateway(feed Feed, cache Cache, maxAge time.Duration, logger *slog.Logger) *Gateway {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		feed:   feed,
		cache:  cache,
		maxAge: maxAge,
		logger: logger,
		now:    time.Now,
	}
}

// WithEstimateRate sets the display-only rate Estimate falls back to.
// Zero disables the fallback.
func (g *Gateway) WithEstimateRate(rate decimal.Decimal) *Gateway {
	g.estimateRate = rate
	return g
}

// MaxAge returns the configured staleness bound.
func (g *Gateway) MaxAge() time.Duration { return g.maxAge }

// NormalizePair upper-cases and trims a pair such as "xlm/usd".
func NormalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}

// GetRate returns a settlement-grade quote for pair. A fresh cached quote is
// returned as is. Otherwise the feed is asked once; if that fails while a
// stale quote is cached the result is ErrStaleQuote, and with nothing cached
// it is ErrOracleUnavailable. There is no fallback rate.
func (g *Gateway) GetRate(ctx context.Context, pair string) (q Quote, err error) {
	pair = NormalizePair(pair)
	ctx, span := traces.StartSpan(ctx, "oracle.GetRate", traces.Pair(pair))
	defer func() { traces.End(span, err) }()

	cached, ok, cerr := g.cache.Get(ctx, pair)
	if cerr != nil {
		g.logger.Warn("quote cache read failed", "pair", pair, "error", cerr)
	}
	if ok && g.fresh(cached) {
		quoteAge.WithLabelValues(pair).Set(cached.Age(g.now()).Seconds())
		return cached, nil
	}

	fetched, ferr := g.refresh(ctx, pair, false)
	if ferr == nil {
		return fetched, nil
	}
	if errors.Is(ferr, ErrStaleQuote) {
		return Quote{}, ferr
	}
	if ok {
		return Quote{}, fmt.Errorf("%w: %s observed %s ago, refresh failed: %v",
			ErrStaleQuote, pair, cached.Age(g.now()).Truncate(time.Second), ferr)
	}
	return Quote{}, ferr
}

// Refresh fetches pair from the feed, validates it, and caches it.
func (g *Gateway) Refresh(ctx context.Context, pair string) (Quote, error) {
	return g.refresh(ctx, NormalizePair(pair), true)
}

func (g *Gateway) refresh(ctx context.Context, pair string, force bool) (Quote, error) {
	mu, _ := g.refreshMu.LoadOrStore(pair, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	// A concurrent caller may have refreshed while we waited.
	if !force {
		if cached, ok, _ := g.cache.Get(ctx, pair); ok && g.fresh(cached) {
			return cached, nil
		}
	}

	if g.feed == nil {
		return Quote{}, fmt.Errorf("%w: no price feed configured", ErrOracleUnavailable)
	}
	q, err := g.feed.Fetch(ctx, pair)
	if err != nil {
		fetchErrors.WithLabelValues(pair, "upstream").Inc()
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, pair, err)
	}
	q.Pair = pair
	if !q.Rate.IsPositive() {
		fetchErrors.WithLabelValues(pair, "invalid_rate").Inc()
		return Quote{}, fmt.Errorf("%w: %s: non-positive rate %s", ErrOracleUnavailable, pair, q.Rate)
	}
	if q.ObservedAt.IsZero() {
		fetchErrors.WithLabelValues(pair, "invalid_timestamp").Inc()
		return Quote{}, fmt.Errorf("%w: %s: missing observation time", ErrOracleUnavailable, pair)
	}
	q.FetchedAt = g.now()
	quoteAge.WithLabelValues(pair).Set(q.Age(q.FetchedAt).Seconds())

	if !g.fresh(q) {
		fetchErrors.WithLabelValues(pair, "stale").Inc()
		return Quote{}, fmt.Errorf("%w: feed reports %s observed %s ago",
			ErrStaleQuote, pair, q.Age(q.FetchedAt).Truncate(time.Second))
	}
	if err := g.cache.Set(ctx, q); err != nil {
		g.logger.Warn("quote cache write failed", "pair", pair, "error", err)
	}
	return q, nil
}

// Estimate returns a display-grade quote. It is the settlement quote when
// one is available; otherwise the configured estimate rate marked
// Estimate. Settlement code must never call this.
func (g *Gateway) Estimate(ctx context.Context, pair string) (Quote, error) {
	q, err := g.GetRate(ctx, pair)
	if err == nil {
		return q, nil
	}
	if !g.estimateRate.IsPositive() {
		return Quote{}, err
	}
	now := g.now()
	return Quote{
		Pair:       NormalizePair(pair),
		Rate:       g.estimateRate,
		ObservedAt: now,
		FetchedAt:  now,
		Estimate:   true,
	}, nil
}

func (g *Gateway) fresh(q Quote) bool {
	return q.Age(g.now()) <= g.maxAge
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewMemoryCache creates an empty process-local cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{quotes: make(map[string]Quote)}
}

func (c *MemoryCache) Get(_ context.Context, pair string) (Quote, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[pair]
	return q, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, q Quote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Never replace a newer observation with an older one.
	if cur, ok := c.quotes[q.Pair]; ok && cur.ObservedAt.After(q.ObservedAt) {
		return nil
	}
	c.quotes[q.Pair] = q
	return nil
}
