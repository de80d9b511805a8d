package oracle

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(g *Gateway) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(g).RegisterRoutes(r.Group(""))
	return r
}

func doGet(r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]any) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestGetXLMPrice(t *testing.T) {
	g, _ := newTestGateway(&fakeFeed{quote: Quote{Rate: decimal.RequireFromString("0.125"), ObservedAt: t0}})
	w, body := doGet(setupRouter(g), "/price/xlm")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, 8.0, body["xlm_per_usd"])
	assert.Equal(t, 0.125, body["price_usd"])
	assert.Equal(t, float64(t0.Unix()), body["timestamp"])
	assert.NotContains(t, body, "estimate")
}

func TestGetXLMPrice_UnavailableIsJSON(t *testing.T) {
	g, _ := newTestGateway(&fakeFeed{err: errors.New("down")})
	w, body := doGet(setupRouter(g), "/price/xlm")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "oracle_unavailable", body["error"])
	assert.Equal(t, "pay with a stable asset", body["suggestion"])
}

func TestGetXLMEstimate(t *testing.T) {
	g, _ := newTestGateway(&fakeFeed{err: errors.New("down")})
	g.WithEstimateRate(decimal.RequireFromString("0.1"))
	w, body := doGet(setupRouter(g), "/price/xlm/estimate")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["estimate"])
	assert.Equal(t, false, body["settlement_grade"])
	assert.Equal(t, 10.0, body["xlm_per_usd"])
}

func TestGetXLMEstimate_LiveQuoteIsNotEstimate(t *testing.T) {
	g, _ := newTestGateway(&fakeFeed{quote: Quote{Rate: decimal.RequireFromString("0.125"), ObservedAt: t0}})
	g.WithEstimateRate(decimal.RequireFromString("0.1"))
	w, body := doGet(setupRouter(g), "/price/xlm/estimate")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["estimate"])
	assert.Equal(t, true, body["settlement_grade"])
	assert.Equal(t, 8.0, body["xlm_per_usd"])
}
