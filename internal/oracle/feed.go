package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/circuitbreaker"
	"github.com/mbd888/smokypay/internal/metrics"
)

// FeedDecimals is the number of implied decimals in feed prices.
const FeedDecimals = 14

const upstreamName = "oracle"

// HTTPFeed reads Reflector-style price records:
//
//	GET {base}/lastprice/{ASSET}  ->  {"price":"<integer>","timestamp":<unix seconds>}
//
// The price is USD per unit with FeedDecimals implied decimals.
type HTTPFeed struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewHTTPFeed creates a feed client for baseURL.
func NewHTTPFeed(baseURL string) *HTTPFeed {
	return &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (f *HTTPFeed) WithHTTPClient(h *http.Client) *HTTPFeed {
	f.http = h
	return f
}

// BaseURL returns the feed root, used by health checks.
func (f *HTTPFeed) BaseURL() string { return f.baseURL }

type feedRecord struct {
	Price     json.RawMessage `json:"price"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// Fetch implements Feed.
func (f *HTTPFeed) Fetch(ctx context.Context, pair string) (Quote, error) {
	base, _, ok := strings.Cut(pair, "/")
	if !ok || base == "" {
		return Quote{}, fmt.Errorf("invalid pair %q", pair)
	}

	var rec feedRecord
	err := f.breaker.Call(upstreamName, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			f.baseURL+"/lastprice/"+url.PathEscape(strings.ToUpper(base)), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		resp, err := f.http.Do(req)
		if err != nil {
			metrics.ObserveUpstream(upstreamName, 0, start)
			return err
		}
		defer resp.Body.Close()
		metrics.ObserveUpstream(upstreamName, resp.StatusCode, start)

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
			return fmt.Errorf("feed status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&rec)
	})
	if err != nil {
		return Quote{}, err
	}

	// Feeds publish integers either quoted or bare.
	raw := strings.Trim(string(rec.Price), `"`)
	rate, err := amount.FromFixedPoint(raw, FeedDecimals)
	if err != nil {
		return Quote{}, fmt.Errorf("feed price %q: %w", raw, err)
	}
	var observed time.Time
	if ts, err := strconv.ParseInt(strings.Trim(string(rec.Timestamp), `"`), 10, 64); err == nil && ts > 0 {
		observed = time.Unix(ts, 0).UTC()
	}
	return Quote{Pair: pair, Rate: rate, ObservedAt: observed}, nil
}
