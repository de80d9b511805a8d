package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/loyalty"
	"github.com/mbd888/smokypay/internal/oracle"
	"github.com/mbd888/smokypay/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for payment confirmation.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payment/confirm", h.ConfirmPayment)
	r.POST("/escrow/link", h.LinkEscrow)
	r.GET("/api/orders/:id", h.GetOrder)
	r.POST("/api/orders/:id/store-credit", h.ApplyStoreCredit)
}

// ConfirmRequest is the body of POST /payment/confirm.
type ConfirmRequest struct {
	OrderID      validation.FlexString `json:"order_id"`
	BuyerAddress string                `json:"buyer_address"`
	TxHash       string                `json:"tx_hash"`
	Token        string                `json:"token"`
	Amount       validation.FlexString `json:"amount"`
	UserID       validation.FlexString `json:"user_id"`
}

// ConfirmPayment handles POST /payment/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	orderID := req.OrderID.String()
	checks := []func() *validation.ValidationError{
		validation.Required("order_id", orderID),
		validation.MaxLength("order_id", orderID, validation.MaxIDLength),
		validation.ValidAccount("buyer_address", req.BuyerAddress),
		validation.ValidTxHash("tx_hash", req.TxHash),
		validation.Required("token", req.Token),
		validation.MaxLength("user_id", req.UserID.String(), validation.MaxIDLength),
	}
	if req.Amount != "" {
		checks = append(checks, validation.ValidAmount("amount", req.Amount.String()))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	claimed := decimal.Zero
	if req.Amount != "" {
		claimed, _ = amount.ParsePositive(req.Amount.String())
	}

	res, err := h.service.ConfirmPayment(c.Request.Context(), OrderConfirmed{
		OrderID:      orderID,
		BuyerAddress: req.BuyerAddress,
		TxHash:       validation.NormalizeTxHash(req.TxHash),
		Token:        req.Token,
		Amount:       claimed,
		UserID:       req.UserID.String(),
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	if res.Wallet != nil && res.Wallet.Issued {
		c.Header("Cache-Control", "no-store")
	}
	c.JSON(http.StatusOK, confirmBody(res))
}

// EscrowLinkRequest is the body of POST /escrow/link.
type EscrowLinkRequest struct {
	OrderID      validation.FlexString `json:"order_id"`
	EscrowID     validation.FlexString `json:"escrow_id"`
	BuyerAddress string                `json:"buyer_address"`
	TxHash       string                `json:"tx_hash"`
}

// LinkEscrow handles POST /escrow/link (legacy escrow flow).
func (h *Handler) LinkEscrow(c *gin.Context) {
	var req EscrowLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	orderID := req.OrderID.String()
	if errs := validation.Validate(
		validation.Required("order_id", orderID),
		validation.MaxLength("order_id", orderID, validation.MaxIDLength),
		validation.Required("escrow_id", req.EscrowID.String()),
		validation.MaxLength("escrow_id", req.EscrowID.String(), validation.MaxIDLength),
		validation.ValidAccount("buyer_address", req.BuyerAddress),
		validation.ValidTxHash("tx_hash", req.TxHash),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	res, err := h.service.ConfirmPayment(c.Request.Context(), EscrowLinked{
		OrderID:      orderID,
		EscrowID:     req.EscrowID.String(),
		BuyerAddress: req.BuyerAddress,
		TxHash:       validation.NormalizeTxHash(req.TxHash),
	})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"message":  "Escrow linked and payment verified",
		"order_id": res.Order.ID,
		"tx_hash":  res.Order.TxHash,
	})
}

// GetOrder handles GET /api/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// StoreCreditRequest is the body of POST /api/orders/:id/store-credit.
type StoreCreditRequest struct {
	Account string                `json:"account"`
	Amount  validation.FlexString `json:"amount"`
}

// ApplyStoreCredit handles POST /api/orders/:id/store-credit
func (h *Handler) ApplyStoreCredit(c *gin.Context) {
	var req StoreCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAccount("account", req.Account),
		validation.ValidAmount("amount", req.Amount.String()),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	requested, _ := amount.ParsePositive(req.Amount.String())

	o, debit, err := h.service.ApplyStoreCredit(c.Request.Context(), c.Param("id"), req.Account, requested)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"order_id":      o.ID,
		"requested_usd": amount.FormatUSD(debit.RequestedUSD),
		"applied_usd":   amount.FormatUSD(debit.AppliedUSD),
		"required_usd":  amount.FormatUSD(o.RequiredUSD()),
	})
}

func confirmBody(res *Result) gin.H {
	o := res.Order
	body := gin.H{
		"status":       string(o.Status),
		"order_id":     o.ID,
		"tx_hash":      o.TxHash,
		"paid_asset":   o.PaidAsset,
		"paid_amount":  amount.Format(o.PaidAmount),
		"reward_units": amount.Format(res.RewardUnits),
	}
	if res.Replayed {
		body["replayed"] = true
	}
	if res.Wallet != nil {
		body["wallet"] = gin.H{
			"public_key": res.Wallet.PublicKey,
			"secret_key": res.Wallet.SecretKey,
			"message":    res.Wallet.Message,
		}
	}
	return body
}

// WriteError maps reconciliation errors to responses. Persistence failures
// surface only as a generic retryable error.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownOrder):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_order", "message": err.Error()})
	case errors.Is(err, ErrWalletMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_mismatch", "message": err.Error()})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrUnsupportedAsset):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_asset", "message": err.Error()})
	case errors.Is(err, loyalty.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": err.Error()})
	case errors.Is(err, oracle.ErrStaleQuote), errors.Is(err, oracle.ErrOracleUnavailable):
		oracle.WriteError(c, err)
	default:
		if status, code, ok := chain.HTTPStatus(err); ok {
			body := gin.H{"error": code, "message": err.Error()}
			if status == http.StatusAccepted {
				body["retry_after"] = chain.RetryAfterSeconds
			}
			c.JSON(status, body)
			return
		}
		logging.L(c.Request.Context()).Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Payment could not be recorded, please retry",
		})
	}
}
