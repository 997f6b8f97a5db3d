package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ticketpay/internal/credential"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	paymentproviderdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	"github.com/smallbiznis/ticketpay/internal/ratelimit"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var fieldErrs paymentdomain.ValidationErrors
	if errors.As(err, &fieldErrs) {
		out := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Field:   fe.Field,
				Code:    fe.Code,
				Message: validationErrorMessage(fe.Code),
			})
		}
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  out,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(err),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidOrganization),
		errors.Is(err, paymentproviderdomain.ErrInvalidOrganization):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "organizer context required",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ratelimit.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many payment attempts, please retry later",
		}
	case errors.Is(err, paymentdomain.ErrProviderNotConfigured),
		errors.Is(err, paymentproviderdomain.ErrInactiveProvider):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "provider_not_configured",
			Message: "no usable payment provider is configured",
		}
	case errors.Is(err, paymentdomain.ErrRefundExceedsCaptured):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "refund_exceeds_captured",
			Message: "refund amount exceeds the captured amount",
		}
	case errors.Is(err, paymentdomain.ErrRefundNotSupported):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "refund_not_supported",
			Message: "provider does not support refunds",
		}
	case errors.Is(err, paymentdomain.ErrInvalidTransition),
		errors.Is(err, paymentdomain.ErrConcurrentUpdate):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "payment is not in a state that allows this operation",
		}
	case errors.Is(err, paymentdomain.ErrPaymentCreation),
		errors.Is(err, paymentdomain.ErrProviderRequest):
		return http.StatusBadGateway, errorPayload{
			Type:    "provider_unavailable",
			Message: "unable to initiate payment, please retry",
		}
	case errors.Is(err, paymentproviderdomain.ErrEncryptionKeyMissing),
		errors.Is(err, credential.ErrKeyMissing),
		errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger; the code never reaches clients.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError && status != http.StatusBadGateway:
		return "internal", payload.Type
	case status == http.StatusBadGateway:
		return "upstream", payload.Type
	default:
		return "client", payload.Type
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrUnknownProvider),
		errors.Is(err, paymentdomain.ErrUnsupportedCurrency),
		errors.Is(err, paymentdomain.ErrInvalidCredentials),
		errors.Is(err, paymentproviderdomain.ErrInvalidProvider),
		errors.Is(err, paymentproviderdomain.ErrInvalidConfig),
		errors.Is(err, paymentproviderdomain.ErrInvalidCredentials),
		errors.Is(err, credential.ErrInvalidCredentials):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentproviderdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, paymentdomain.ErrUnknownProvider),
		errors.Is(err, paymentproviderdomain.ErrInvalidProvider):
		return "invalid_provider"
	case errors.Is(err, paymentdomain.ErrUnsupportedCurrency):
		return "unsupported_currency"
	case errors.Is(err, paymentproviderdomain.ErrInvalidConfig):
		return "invalid_config"
	default:
		return "invalid_credentials"
	}
}

func validationErrorField(err error) string {
	switch validationErrorCode(err) {
	case "invalid_provider":
		return "provider"
	case "unsupported_currency":
		return "currency"
	case "invalid_config":
		return "configuration"
	case "invalid_credentials":
		return "credentials"
	default:
		return "request"
	}
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "required":
		return "field is required"
	case "too_long":
		return "value is too long"
	case "invalid_provider":
		return "unknown payment provider"
	default:
		return "invalid value"
	}
}
