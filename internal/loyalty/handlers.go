package loyalty

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/chain"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler provides HTTP endpoints for loyalty operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new loyalty handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up loyalty routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/api/convert-zmoke", h.ConvertZmoke)
	r.GET("/api/loyalty/:account", validation.AccountParamMiddleware(), h.GetAccount)
	r.POST("/api/loyalty/link", h.LinkAccount)
}

// ConvertRequest is the body of POST /api/convert-zmoke.
type ConvertRequest struct {
	TxHash       string                `json:"tx_hash"`
	Amount       validation.FlexString `json:"amount"`
	BuyerAddress string                `json:"buyer_address"`
	UserID       validation.FlexString `json:"user_id"`
}

// ConvertZmoke handles POST /api/convert-zmoke
func (h *Handler) ConvertZmoke(c *gin.Context) {
	var req ConvertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	checks := []func() *validation.ValidationError{
		validation.ValidTxHash("tx_hash", req.TxHash),
		validation.ValidAccount("buyer_address", req.BuyerAddress),
		validation.MaxLength("user_id", req.UserID.String(), validation.MaxIDLength),
	}
	if req.Amount != "" {
		checks = append(checks, validation.ValidAmount("amount", req.Amount.String()))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	requested := decimal.Zero
	if req.Amount != "" {
		requested, _ = amount.ParsePositive(req.Amount.String())
	}

	result, err := h.service.Redeem(c.Request.Context(), RedeemRequest{
		TxHash:       validation.NormalizeTxHash(req.TxHash),
		BuyerAddress: req.BuyerAddress,
		UserID:       req.UserID.String(),
		Amount:       requested,
	})
	if err != nil {
		WriteError(c, err)
		return
	}

	r := result.Redemption
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"tx_hash":      r.BurnTxHash,
		"units_burned": amount.Format(r.Units),
		"credit_added": amount.FormatUSD(r.CreditedUSD),
		"new_balance":  amount.FormatUSD(result.Account.StoreCreditUSD),
		"message": fmt.Sprintf("Converted %s %s to $%s store credit",
			amount.Format(r.Units), h.service.Asset().Code, amount.FormatUSD(r.CreditedUSD)),
	})
}

// GetAccount handles GET /api/loyalty/:account
func (h *Handler) GetAccount(c *gin.Context) {
	sum, err := h.service.Summary(c.Request.Context(), c.Param("account"))
	if err != nil {
		WriteError(c, err)
		return
	}

	body := gin.H{
		"account":          sum.Key,
		"accrued_units":    amount.Format(sum.AccruedUnits),
		"store_credit_usd": amount.FormatUSD(sum.StoreCreditUSD),
		"asset":            h.service.Asset().Code,
	}
	if sum.UserID != "" {
		body["user_id"] = sum.UserID
	}
	if sum.OnChainUnits != nil {
		body["on_chain_units"] = amount.Format(*sum.OnChainUnits)
	} else {
		body["on_chain_error"] = sum.OnChainError
	}
	c.JSON(http.StatusOK, body)
}

// LinkRequest is the body of POST /api/loyalty/link.
type LinkRequest struct {
	Account string                `json:"account"`
	UserID  validation.FlexString `json:"user_id"`
}

// LinkAccount handles POST /api/loyalty/link
func (h *Handler) LinkAccount(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAccount("account", req.Account),
		validation.Required("user_id", req.UserID.String()),
		validation.MaxLength("user_id", req.UserID.String(), validation.MaxIDLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	acct, err := h.service.Link(c.Request.Context(), req.Account, req.UserID.String())
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": acct.Key,
		"user_id": acct.UserID,
	})
}

// WriteError maps loyalty and ledger errors to responses.
func WriteError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDuplicateRedemption):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_redemption", "message": err.Error()})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_balance", "message": err.Error()})
	case errors.Is(err, ErrWalletMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet_mismatch", "message": err.Error()})
	case errors.Is(err, ErrLinkConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		if status, code, ok := chain.HTTPStatus(err); ok {
			body := gin.H{"error": code, "message": err.Error()}
			if status == http.StatusAccepted {
				body["retry_after"] = chain.RetryAfterSeconds
			}
			c.JSON(status, body)
			return
		}
		logging.L(c.Request.Context()).Error("loyalty request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Request failed, please retry",
		})
	}
}
