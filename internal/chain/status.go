package chain

import (
	"errors"
	"net/http"
)

// RetryAfterSeconds is the hint returned with a pending confirmation.
const RetryAfterSeconds = 10

// HTTPStatus maps a verification error to a response status and error code.
// ok is false for errors this package does not define.
func HTTPStatus(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, ErrPendingConfirmation):
		return http.StatusAccepted, "pending_confirmation", true
	case errors.Is(err, ErrUnderfunded):
		return http.StatusPaymentRequired, "underfunded_payment", true
	case errors.Is(err, ErrPaymentFailed):
		return http.StatusPaymentRequired, "payment_failed", true
	default:
		return 0, "", false
	}
}
