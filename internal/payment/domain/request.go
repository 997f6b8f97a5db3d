package domain

import (
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	"github.com/smallbiznis/ticketpay/pkg/db/pagination"
)

// PaymentRequest asks for a new payment against a resource. Amounts are
// integers in the currency's platform unit (whole dollars for TWD).
type PaymentRequest struct {
	OrganizerID         snowflake.ID   `json:"organizer_id,omitempty"`
	ResourceType        string         `json:"resource_type"`
	ResourceID          string         `json:"resource_id"`
	Amount              int64          `json:"amount"`
	DiscountAmount      int64          `json:"discount_amount"`
	Currency            string         `json:"currency"`
	Description         string         `json:"description"`
	PreferredProviderID string         `json:"preferred_provider_id,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CallbackURL         string         `json:"callback_url"`
}

const (
	maxDescriptionLength = 200
	maxResourceLength    = 64
)

// FieldError is one rejected input field.
type FieldError struct {
	Field string
	Code  string
}

// ValidationErrors is returned by Validate; it matches ErrInvalidRequest.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+":"+fe.Code)
	}
	return "invalid_request: " + strings.Join(parts, ",")
}

func (v ValidationErrors) Unwrap() error { return ErrInvalidRequest }

// Normalize trims string fields and upper-cases the currency.
func (r *PaymentRequest) Normalize() {
	r.ResourceType = strings.TrimSpace(r.ResourceType)
	r.ResourceID = strings.TrimSpace(r.ResourceID)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Description = strings.TrimSpace(r.Description)
	r.PreferredProviderID = strings.ToLower(strings.TrimSpace(r.PreferredProviderID))
	r.CallbackURL = strings.TrimSpace(r.CallbackURL)
}

func (r PaymentRequest) Validate() error {
	var errs ValidationErrors

	if r.OrganizerID == 0 {
		errs = append(errs, FieldError{Field: "organizer_id", Code: "required"})
	}
	if r.ResourceType == "" {
		errs = append(errs, FieldError{Field: "resource_type", Code: "required"})
	} else if len(r.ResourceType) > maxResourceLength {
		errs = append(errs, FieldError{Field: "resource_type", Code: "too_long"})
	}
	if r.ResourceID == "" {
		errs = append(errs, FieldError{Field: "resource_id", Code: "required"})
	} else if len(r.ResourceID) > maxResourceLength {
		errs = append(errs, FieldError{Field: "resource_id", Code: "too_long"})
	}
	if r.Amount <= 0 {
		errs = append(errs, FieldError{Field: "amount", Code: "must_be_positive"})
	}
	if r.DiscountAmount < 0 {
		errs = append(errs, FieldError{Field: "discount_amount", Code: "must_not_be_negative"})
	} else if r.Amount > 0 && r.DiscountAmount > r.Amount {
		errs = append(errs, FieldError{Field: "discount_amount", Code: "exceeds_amount"})
	}
	if !validCurrency(r.Currency) {
		errs = append(errs, FieldError{Field: "currency", Code: "invalid"})
	}
	if len(r.Description) > maxDescriptionLength {
		errs = append(errs, FieldError{Field: "description", Code: "too_long"})
	}
	if !absoluteHTTPURL(r.CallbackURL) {
		errs = append(errs, FieldError{Field: "callback_url", Code: "invalid"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// FinalAmount is the amount the provider charges.
func (r PaymentRequest) FinalAmount() int64 {
	return r.Amount - r.DiscountAmount
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, ch := range code {
		if ch < 'A' || ch > 'Z' {
			return false
		}
	}
	return true
}

func absoluteHTTPURL(raw string) bool {
	if raw == "" {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

type PaymentResponse struct {
	PaymentID       string            `json:"payment_id"`
	MerchantTradeNo string            `json:"merchant_trade_no"`
	ProviderID      string            `json:"provider_id"`
	Status          Status            `json:"status"`
	RedirectURL     string            `json:"redirect_url,omitempty"`
	ClientSecret    string            `json:"client_secret,omitempty"`
	FormAction      string            `json:"form_action,omitempty"`
	FormFields      map[string]string `json:"form_fields,omitempty"`
	Amount          int64             `json:"amount"`
	Currency        string            `json:"currency"`
}

type PaymentStatusResponse struct {
	PaymentID             string            `json:"payment_id"`
	OrganizerID           string            `json:"organizer_id"`
	ResourceType          string            `json:"resource_type"`
	ResourceID            string            `json:"resource_id"`
	ProviderID            string            `json:"provider_id"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty"`
	MerchantTradeNo       string            `json:"merchant_trade_no"`
	Amount                int64             `json:"amount"`
	DiscountAmount        int64             `json:"discount_amount"`
	FinalAmount           int64             `json:"final_amount"`
	Currency              string            `json:"currency"`
	PaymentMethod         *string           `json:"payment_method,omitempty"`
	Status                Status            `json:"status"`
	NetCaptured           int64             `json:"net_captured"`
	Transactions          []TransactionView `json:"transactions"`
	Metadata              map[string]any    `json:"metadata,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

type TransactionView struct {
	ID                    string                         `json:"id"`
	Type                  ledgerdomain.TransactionType   `json:"type"`
	Status                ledgerdomain.TransactionStatus `json:"status"`
	Amount                int64                          `json:"amount"`
	ProviderTransactionID string                         `json:"provider_transaction_id"`
	CreatedAt             time.Time                      `json:"created_at"`
}

// RefundRequest refunds a completed payment. A zero Amount refunds everything
// still captured.
type RefundRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// CallbackResult tells the transport how to answer the provider.
type CallbackResult struct {
	Ack       Ack
	PaymentID snowflake.ID
	Status    Status
	Duplicate bool
	Ignored   bool
}

type ListPaymentsRequest struct {
	ResourceType string
	ResourceID   string
	Status       Status
	PageToken    string
	PageSize     int
}

type ListPaymentsResponse struct {
	pagination.PageInfo
	Payments []PaymentSummary `json:"payments"`
}

// PaymentSummary is a list row; ledger detail stays on GetPayment.
type PaymentSummary struct {
	PaymentID       string    `json:"payment_id"`
	ResourceType    string    `json:"resource_type"`
	ResourceID      string    `json:"resource_id"`
	ProviderID      string    `json:"provider_id"`
	MerchantTradeNo string    `json:"merchant_trade_no"`
	FinalAmount     int64     `json:"final_amount"`
	Currency        string    `json:"currency"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
