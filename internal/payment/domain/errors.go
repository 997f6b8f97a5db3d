package domain

import "errors"

var (
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrUnknownProvider       = errors.New("unknown_provider")
	ErrCredential            = errors.New("credential_error")
	ErrPaymentCreation       = errors.New("payment_creation_failed")
	ErrCallbackVerification  = errors.New("callback_verification_failed")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrInvalidTransition     = errors.New("invalid_transition")

	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrInvalidCredentials    = errors.New("invalid_credentials")
	ErrUnsupportedCurrency   = errors.New("unsupported_currency")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrAmountMismatch        = errors.New("amount_mismatch")
	ErrConcurrentUpdate      = errors.New("concurrent_update")
	ErrRefundNotSupported    = errors.New("refund_not_supported")
	ErrRefundExceedsCaptured = errors.New("refund_exceeds_captured")
	ErrProviderRequest       = errors.New("provider_request_failed")
)
