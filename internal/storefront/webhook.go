package storefront

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/orders"
	"github.com/mbd888/smokypay/internal/security"
)

const (
	signatureHeader = "X-WC-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

// ignoredStatuses are storefront states that never lead to a payment.
var ignoredStatuses = map[string]bool{
	"cancelled": true,
	"refunded":  true,
	"trash":     true,
}

// WebhookHandler receives WooCommerce order webhooks.
type WebhookHandler struct {
	orders *orders.Service
	secret string
	logger *slog.Logger
}

// NewWebhookHandler creates the webhook endpoints. An empty secret accepts
// unsigned deliveries.
func NewWebhookHandler(svc *orders.Service, secret string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{orders: svc, secret: secret, logger: logger}
}

// RegisterRoutes sets up webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook/pending-order", h.PendingOrder)
	r.POST("/webhook/order-completed", h.OrderCompleted)
}

// PendingOrder handles POST /webhook/pending-order
func (h *WebhookHandler) PendingOrder(c *gin.Context) {
	const topic = "pending_order"
	body, ok := h.read(c, topic)
	if !ok {
		return
	}

	var wc Order
	if err := json.Unmarshal(body, &wc); err != nil {
		webhooksTotal.WithLabelValues(topic, "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid order payload"})
		return
	}
	if ignoredStatuses[wc.Status] {
		webhooksTotal.WithLabelValues(topic, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "order_id": wc.ID.String()})
		return
	}
	in, err := wc.Intake()
	if err != nil {
		webhooksTotal.WithLabelValues(topic, "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	o, err := h.orders.RegisterPending(c.Request.Context(), in)
	if err != nil {
		webhooksTotal.WithLabelValues(topic, "error").Inc()
		logging.L(c.Request.Context()).Error("register pending order failed", "order_id", in.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Order could not be recorded, please retry"})
		return
	}
	webhooksTotal.WithLabelValues(topic, "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "order_id": o.ID, "order_status": o.Status})
}

// OrderCompleted handles POST /webhook/order-completed. Completion is
// driven by payment confirmation, so the delivery is only acknowledged.
func (h *WebhookHandler) OrderCompleted(c *gin.Context) {
	const topic = "order_completed"
	body, ok := h.read(c, topic)
	if !ok {
		return
	}
	var wc Order
	_ = json.Unmarshal(body, &wc)
	webhooksTotal.WithLabelValues(topic, "ok").Inc()
	h.logger.Info("storefront order completed", "order_id", wc.ID.String(), "status", wc.Status)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// read returns the verified body. Pings are answered here and report false.
func (h *WebhookHandler) read(c *gin.Context, topic string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return nil, false
	}

	// WooCommerce verifies a new webhook with a form-encoded ping.
	if bytes.HasPrefix(body, []byte("webhook_id=")) {
		webhooksTotal.WithLabelValues(topic, "ping").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return nil, false
	}

	if h.secret != "" && !security.VerifyBodySignature(body, c.GetHeader(signatureHeader), h.secret) {
		webhooksTotal.WithLabelValues(topic, "unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature mismatch"})
		return nil, false
	}
	return body, true
}
