package oracle

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// XLMPair is the pair served by the storefront price endpoints.
const XLMPair = "XLM/USD"

// Handler serves price endpoints. Every response, errors included, is JSON
// so storefront scripts never receive an HTML page.
type Handler struct {
	gateway *Gateway
}

// NewHandler creates a new price handler.
func NewHandler(gateway *Gateway) *Handler {
	return &Handler{gateway: gateway}
}

// RegisterRoutes sets up price routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/price/xlm", h.GetXLMPrice)
	r.GET("/price/xlm/estimate", h.GetXLMEstimate)
}

// GetXLMPrice handles GET /price/xlm with a settlement-grade quote.
func (h *Handler) GetXLMPrice(c *gin.Context) {
	q, err := h.gateway.GetRate(c.Request.Context(), XLMPair)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, priceBody(q))
}

// GetXLMEstimate handles GET /price/xlm/estimate. Display only.
func (h *Handler) GetXLMEstimate(c *gin.Context) {
	q, err := h.gateway.Estimate(c.Request.Context(), XLMPair)
	if err != nil {
		WriteError(c, err)
		return
	}
	body := priceBody(q)
	body["estimate"] = q.Estimate
	body["settlement_grade"] = !q.Estimate
	c.JSON(http.StatusOK, body)
}

func priceBody(q Quote) gin.H {
	return gin.H{
		"xlm_per_usd": q.UnitsPerUSD().InexactFloat64(),
		"price_usd":   q.Rate.InexactFloat64(),
		"timestamp":   q.ObservedAt.Unix(),
	}
}

// WriteError maps oracle errors to 503 responses. Anything else is a 500.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrStaleQuote):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "stale_quote",
			"message":    err.Error(),
			"suggestion": "pay with a stable asset",
		})
	case errors.Is(err, ErrOracleUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":      "oracle_unavailable",
			"message":    err.Error(),
			"suggestion": "pay with a stable asset",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load price",
		})
	}
}
