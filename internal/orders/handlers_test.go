package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/mbd888/smokypay/internal/oracle"
	"github.com/mbd888/smokypay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t)
	h.order(t, "100", "1.00")

	r := gin.New()
	NewHandler(h.svc).RegisterRoutes(r.Group(""))
	return r, h
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func confirmBodyFor(orderID any, hash string) map[string]any {
	return map[string]any{
		"order_id":      orderID,
		"buyer_address": buyerA,
		"tx_hash":       hash,
		"token":         "USDC",
	}
}

func TestConfirmPaymentHandler_Success(t *testing.T) {
	r, h := setupRouter(t)
	hash := testutil.TxHash(1)
	h.ledger.Pay(hash, buyerA, receiver, usdc, "1.01")

	body := confirmBodyFor(100, hash)
	body["user_id"] = 42
	w := doJSON(r, http.MethodPost, "/payment/confirm", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	out := decode(t, w)
	assert.Equal(t, "confirmed", out["status"])
	assert.Equal(t, "100", out["order_id"])
	assert.Equal(t, hash, out["tx_hash"])
	assert.Equal(t, "USDC", out["paid_asset"])
	assert.Equal(t, "1.0100000", out["paid_amount"])
	assert.Equal(t, "10.0000000", out["reward_units"])
	assert.Nil(t, out["replayed"])

	wallet, ok := out["wallet"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, wallet["secret_key"])

	// Replay: same answer, no wallet secret.
	w = doJSON(r, http.MethodPost, "/payment/confirm", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Cache-Control"))
	out = decode(t, w)
	assert.Equal(t, true, out["replayed"])
	assert.Nil(t, out["wallet"])
}

func TestConfirmPaymentHandler_Errors(t *testing.T) {
	r, h := setupRouter(t)
	h.ledger.Pay(testutil.TxHash(1), buyerA, receiver, usdc, "1.00")
	h.ledger.Fail(testutil.TxHash(2))
	h.ledger.Pay(testutil.TxHash(3), buyerA, receiver, usdc, "5")
	_, err := h.svc.RegisterPending(context.Background(), Intake{ID: "103", ExpectedUSD: d("1")})
	require.NoError(t, err)
	_, err = h.svc.ConfirmPayment(context.Background(), confirmUSDC("103", testutil.TxHash(3)))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"underfunded", confirmBodyFor("100", testutil.TxHash(1)), http.StatusPaymentRequired, "underfunded_payment"},
		{"failed", confirmBodyFor("100", testutil.TxHash(2)), http.StatusPaymentRequired, "payment_failed"},
		{"unknown order", confirmBodyFor("999", testutil.TxHash(4)), http.StatusNotFound, "unknown_order"},
		{"tx in use", confirmBodyFor("100", testutil.TxHash(3)), http.StatusConflict, "conflict"},
		{"bad hash", confirmBodyFor("100", "xyz"), http.StatusBadRequest, "validation_error"},
		{"missing order", confirmBodyFor("", testutil.TxHash(1)), http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/payment/confirm", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode(t, w)["error"])
		})
	}

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, StatusPending, o.Status)
}

func TestConfirmPaymentHandler_Pending(t *testing.T) {
	r, h := setupRouter(t)
	hash := testutil.TxHash(5)

	w := doJSON(r, http.MethodPost, "/payment/confirm", confirmBodyFor("100", hash))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "pending_confirmation", out["error"])
	assert.Equal(t, float64(10), out["retry_after"])

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, StatusPaymentSubmitted, o.Status)
}

func TestConfirmPaymentHandler_OracleUnavailable(t *testing.T) {
	r, h := setupRouter(t)
	h.rates.err = oracle.ErrOracleUnavailable

	body := confirmBodyFor("100", testutil.TxHash(6))
	body["token"] = "XLM"
	w := doJSON(r, http.MethodPost, "/payment/confirm", body)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "oracle_unavailable", out["error"])
	assert.NotEmpty(t, out["suggestion"])
}

func TestConfirmPaymentHandler_UnsupportedToken(t *testing.T) {
	r, _ := setupRouter(t)
	body := confirmBodyFor("100", testutil.TxHash(6))
	body["token"] = "DOGE"
	w := doJSON(r, http.MethodPost, "/payment/confirm", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "unsupported_asset", decode(t, w)["error"])
}

func TestLinkEscrowHandler(t *testing.T) {
	r, h := setupRouter(t)
	hash := testutil.TxHash(7)
	h.ledger.Pay(hash, buyerA, escrowID, usdc, "1.01")

	w := doJSON(r, http.MethodPost, "/escrow/link", map[string]any{
		"order_id":      100,
		"escrow_id":     7,
		"buyer_address": buyerA,
		"tx_hash":       hash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "100", out["order_id"])
	assert.Equal(t, hash, out["tx_hash"])

	o, _ := h.store.Get(context.Background(), "100")
	assert.Equal(t, "7", o.EscrowID)
}

func TestGetOrderHandler(t *testing.T) {
	r, _ := setupRouter(t)

	w := doJSON(r, http.MethodGet, "/api/orders/100", nil)
	require.Equal(t, http.StatusOK, w.Code)
	order := decode(t, w)["order"].(map[string]any)
	assert.Equal(t, "pending", order["status"])

	w = doJSON(r, http.MethodGet, "/api/orders/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApplyStoreCreditHandler(t *testing.T) {
	r, h := setupRouter(t)
	require.NoError(t, h.loyalty.Redeem(context.Background(), &loyalty.Redemption{
		BurnTxHash: "burn", AccountKey: buyerA, Units: d("3"), CreditedUSD: d("0.30"),
	}))

	w := doJSON(r, http.MethodPost, "/api/orders/100/store-credit", map[string]any{
		"account": buyerA,
		"amount":  "1.00",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode(t, w)
	assert.Equal(t, "1.00", out["requested_usd"])
	assert.Equal(t, "0.30", out["applied_usd"])
	assert.Equal(t, "0.71", out["required_usd"])

	w = doJSON(r, http.MethodPost, "/api/orders/100/store-credit", map[string]any{
		"account": buyerA,
		"amount":  1,
	})
	// The first debit stands for the order.
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0.30", decode(t, w)["applied_usd"])

	w = doJSON(r, http.MethodPost, "/api/orders/100/store-credit", map[string]any{
		"account": buyerB,
		"amount":  1,
	})
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "wallet_mismatch", decode(t, w)["error"])

	w = doJSON(r, http.MethodPost, "/api/orders/100/store-credit", map[string]any{
		"account": "not-an-account",
		"amount":  "1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfirmPaymentHandler_OtherBuyersOrder(t *testing.T) {
	r, h := setupRouter(t)
	hash := testutil.TxHash(1)
	h.ledger.Pay(hash, buyerB, receiver, usdc, "1.01")

	body := confirmBodyFor("100", hash)
	body["buyer_address"] = buyerB
	w := doJSON(r, http.MethodPost, "/payment/confirm", body)
	require.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	assert.Equal(t, "wallet_mismatch", decode(t, w)["error"])

	o, err := h.store.Get(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, buyerA, o.BuyerAddress)
}
