// Package validation provides request validation helpers for the payment API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/smokypay/internal/amount"
	"github.com/mbd888/smokypay/internal/strkey"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxIDLength bounds opaque identifiers (order ids, user ids, escrow ids).
const MaxIDLength = 128

// txHashRegex matches a ledger transaction hash: 32 bytes, hex encoded.
var txHashRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTxHash checks for a 64-character hex transaction hash.
func IsValidTxHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// NormalizeTxHash trims and lower-cases a transaction hash so the same
// transaction cannot be bound twice under different spellings.
func NormalizeTxHash(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects every failure.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Abort writes a 400 with the collected validation errors.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAccount checks for a Stellar account id (G...). Empty passes; pair
// with Required for mandatory fields.
func ValidAccount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !strkey.IsValidAccountID(value) {
			return &ValidationError{Field: field, Message: "must be a valid Stellar account id (G...)"}
		}
		return nil
	}
}

// ValidTxHash checks for a 64-character hex transaction hash.
func ValidTxHash(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidTxHash(strings.TrimSpace(value)) {
			return &ValidationError{Field: field, Message: "must be a 64-character hex transaction hash"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidAmount checks for a positive decimal amount.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := amount.ParsePositive(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

// AccountParamMiddleware rejects a malformed :account URL parameter early.
func AccountParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if acct := c.Param("account"); acct != "" && !strkey.IsValidAccountID(acct) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_account",
				"message": "account must be a valid Stellar account id (G...)",
			})
			return
		}
		c.Next()
	}
}
