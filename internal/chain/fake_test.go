package chain

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeHorizon serves the three Horizon endpoints the client uses.
type fakeHorizon struct {
	mu       sync.Mutex
	txs      map[string]*fakeTx
	accounts map[string][]map[string]string
	lookups  map[string]int
	failures int // respond 503 to the next N requests
}

type fakeTx struct {
	successful   bool
	visibleAfter int // 404 for the first N lookups
	ops          []map[string]any
}

func newFakeHorizon(t *testing.T) (*fakeHorizon, *httptest.Server) {
	t.Helper()
	f := &fakeHorizon{
		txs:      make(map[string]*fakeTx),
		accounts: make(map[string][]map[string]string),
		lookups:  make(map[string]int),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeHorizon) addTx(hash string, tx *fakeTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[hash] = tx
}

func (f *fakeHorizon) lookupCount(hash string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups[hash]
}

func (f *fakeHorizon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/hal+json")
	if f.failures > 0 {
		f.failures--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "transactions":
		hash := parts[1]
		f.lookups[hash]++
		tx, ok := f.txs[hash]
		if !ok || f.lookups[hash] <= tx.visibleAfter {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"hash":           hash,
			"successful":     tx.successful,
			"ledger":         123456,
			"source_account": "GSOURCE",
			"created_at":     "2026-01-02T03:04:05Z",
		})
	case len(parts) == 3 && parts[0] == "transactions" && parts[2] == "operations":
		tx, ok := f.txs[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"_embedded": map[string]any{"records": tx.ops},
		})
	case len(parts) == 2 && parts[0] == "accounts":
		balances, ok := f.accounts[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"balances": balances})
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func paymentOp(from, to, amt string, asset Asset) map[string]any {
	op := map[string]any{"type": "payment", "from": from, "to": to, "amount": amt}
	if asset.IsNative() {
		op["asset_type"] = "native"
	} else {
		op["asset_type"] = "credit_alphanum4"
		op["asset_code"] = asset.Code
		op["asset_issuer"] = asset.Issuer
	}
	return op
}

func contractOp(from, to, amt string, asset Asset) map[string]any {
	change := map[string]any{"type": "transfer", "from": from, "to": to, "amount": amt}
	if asset.IsNative() {
		change["asset_type"] = "native"
	} else {
		change["asset_type"] = "credit_alphanum4"
		change["asset_code"] = asset.Code
		change["asset_issuer"] = asset.Issuer
	}
	return map[string]any{
		"type":                  "invoke_host_function",
		"asset_balance_changes": []map[string]any{change},
	}
}
