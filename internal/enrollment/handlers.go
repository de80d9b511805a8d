package enrollment

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/logging"
	"github.com/mbd888/smokypay/internal/validation"
)

// Handler provides the enrollment endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new enrollment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up enrollment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/api/enroll-user", h.EnrollUser)
}

// EnrollRequest is the body of POST /api/enroll-user.
type EnrollRequest struct {
	UserID validation.FlexString `json:"user_id"`
}

// EnrollUser handles POST /api/enroll-user
func (h *Handler) EnrollUser(c *gin.Context) {
	var req EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	userID := req.UserID.String()
	if errs := validation.Validate(
		validation.Required("user_id", userID),
		validation.MaxLength("user_id", userID, validation.MaxIDLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	wallet, err := h.service.Enroll(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("enrollment failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create wallet, please retry",
		})
		return
	}

	// The secret must not linger in any intermediary cache.
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, wallet)
}
