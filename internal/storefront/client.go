// Package storefront talks to the WooCommerce REST API and receives its
// order webhooks.
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/smokypay/internal/circuitbreaker"
	"github.com/mbd888/smokypay/internal/metrics"
	"github.com/mbd888/smokypay/internal/validation"
)

const upstreamName = "woocommerce"

// ErrNotFound is returned when WooCommerce has no such resource.
var ErrNotFound = errors.New("storefront: not found")

// APIError is a non-2xx answer from WooCommerce.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("woocommerce status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Meta is a WooCommerce meta_data entry. Values are usually strings but
// plugins store numbers and objects too.
type Meta struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// StringMeta builds a string-valued meta entry.
func StringMeta(key, value string) Meta {
	v, _ := json.Marshal(value)
	return Meta{Key: key, Value: v}
}

// String returns the value as text.
func (m Meta) String() string {
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(m.Value))
}

// Order is the subset of a WooCommerce order this service reads.
type Order struct {
	ID         validation.FlexString `json:"id"`
	Status     string                `json:"status"`
	Total      string                `json:"total"`
	Currency   string                `json:"currency"`
	CustomerID validation.FlexString `json:"customer_id"`
	MetaData   []Meta                `json:"meta_data"`
}

// Meta returns the first non-empty value among keys, in key order.
func (o *Order) Meta(keys ...string) string {
	for _, k := range keys {
		for _, m := range o.MetaData {
			if m.Key == k {
				if v := m.String(); v != "" {
					return v
				}
			}
		}
	}
	return ""
}

// OrderUpdate is the body of PUT /orders/{id}.
type OrderUpdate struct {
	Status   string `json:"status,omitempty"`
	MetaData []Meta `json:"meta_data,omitempty"`
}

// Client is a WooCommerce REST client authenticated with consumer key and
// secret over HTTP basic auth.
type Client struct {
	baseURL string
	key     string
	secret  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a client for the store at baseURL.
func NewClient(baseURL, key, secret string) *Client {
	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.IsFailure = func(err error) bool {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Retryable()
		}
		return true
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: breaker,
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// GetOrder fetches one order.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var o Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// UpdateOrder changes an order's status and/or meta.
func (c *Client) UpdateOrder(ctx context.Context, id string, u OrderUpdate) error {
	return c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(id), u, nil)
}

// AddNote adds a private order note.
func (c *Client) AddNote(ctx context.Context, id, note string) error {
	body := map[string]any{"note": note, "customer_note": false}
	return c.do(ctx, http.MethodPost, "/orders/"+url.PathEscape(id)+"/notes", body, nil)
}

// UpdateCustomerMeta writes meta entries on a customer.
func (c *Client) UpdateCustomerMeta(ctx context.Context, customerID string, meta ...Meta) error {
	body := map[string]any{"meta_data": meta}
	return c.do(ctx, http.MethodPut, "/customers/"+url.PathEscape(customerID), body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	err := c.breaker.Call(upstreamName, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/wp-json/wc/v3"+path, body)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.key, c.secret)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.ObserveUpstream(upstreamName, 0, start)
			return err
		}
		defer resp.Body.Close()
		metrics.ObserveUpstream(upstreamName, resp.StatusCode, start)

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
			return nil
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	return err
}
