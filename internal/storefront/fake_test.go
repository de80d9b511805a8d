package storefront

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const (
	testKey    = "ck_test"
	testSecret = "cs_test" //nolint:gosec // test credential
)

type recorded struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeWC is a minimal WooCommerce REST API.
type fakeWC struct {
	mu       sync.Mutex
	orders   map[string]string // id -> JSON body
	requests []recorded
	failures int // answer this many requests with 503 first
	srv      *httptest.Server
}

func newFakeWC(t *testing.T) *fakeWC {
	t.Helper()
	f := &fakeWC{orders: make(map[string]string)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWC) client() *Client {
	return NewClient(f.srv.URL, testKey, testSecret)
}

func (f *fakeWC) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, pass, ok := r.BasicAuth(); !ok || user != testKey || pass != testSecret {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	rec := recorded{Method: r.Method, Path: strings.TrimPrefix(r.URL.Path, "/wp-json/wc/v3")}
	if raw, _ := io.ReadAll(r.Body); len(raw) > 0 {
		_ = json.Unmarshal(raw, &rec.Body)
	}
	f.requests = append(f.requests, rec)

	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodGet && strings.HasPrefix(rec.Path, "/orders/") {
		body, ok := f.orders[strings.TrimPrefix(rec.Path, "/orders/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"woocommerce_rest_shop_order_invalid_id"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{}`))
}

func (f *fakeWC) recorded() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.requests...)
}
