package subpay

import "fmt"

// PaymentError represents a payment or subscription-specific error
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
	ErrCodeMalformedHeader      = "malformed_header"
	ErrCodeExpiredSignature     = "expired_signature"
	ErrCodeReplayDetected       = "replay_detected"
	ErrCodeInvalidSignature     = "invalid_signature"
	ErrCodePlanNotFound         = "plan_not_found"
	ErrCodePlanInactive         = "plan_inactive"
	ErrCodeAlreadySubscribed    = "already_subscribed"
	ErrCodeInsufficientPayment  = "insufficient_payment"
	ErrCodeNotDue               = "not_due"
	ErrCodeSubscriptionExpired  = "subscription_expired"
	ErrCodeNotOwner             = "not_owner"
	ErrCodeSubscriptionNotFound = "subscription_not_found"
	ErrCodeDecryptionFailure    = "decryption_failure"

	// Degraded collaborator conditions, kept distinct from authorization
	// failures so clients can tell a rejection from an outage.
	ErrCodeStoreUnavailable = "store_unavailable"
	ErrCodeChainUnavailable = "chain_unavailable"
)

// NewPaymentError creates a new payment error
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// IsUnavailable reports whether the error describes a degraded backing
// service rather than a rejected request.
func (e *PaymentError) IsUnavailable() bool {
	return e.Code == ErrCodeStoreUnavailable || e.Code == ErrCodeChainUnavailable
}
