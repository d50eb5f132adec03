package solpay

import (
	"errors"
	"fmt"
)

// PaymentError represents a payment-specific error with a stable code,
// a human-readable message, and an optional details payload surfaced to
// API consumers.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Common error codes
const (
	ErrCodeInvalidParams           = "invalid_params"
	ErrCodeWalletNotConnected      = "wallet_not_connected"
	ErrCodeRouteNotFound           = "route_not_found"
	ErrCodeQuoteExpired            = "quote_expired"
	ErrCodeSwapExecutionFailed     = "swap_execution_failed"
	ErrCodeTransactionNotFound     = "transaction_not_found"
	ErrCodeTransactionFailed       = "transaction_failed_on_chain"
	ErrCodeConfirmationTimeout     = "confirmation_timeout"
	ErrCodeSettlementAccountAbsent = "settlement_account_not_found"
	ErrCodeSettlementMismatch      = "settlement_mismatch"
	ErrCodeInvalidStateTransition  = "invalid_state_transition"

	// ErrCodeEndpointUnhealthy is soft: it only influences endpoint
	// selection and never propagates to callers as a failure.
	ErrCodeEndpointUnhealthy = "endpoint_unhealthy"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the stable code from err, or "" if err carries none.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a PaymentError with the given code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
