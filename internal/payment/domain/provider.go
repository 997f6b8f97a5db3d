package domain

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
)

// Credentials is a decrypted provider credential map.
type Credentials map[string]any

// String returns the trimmed string value stored under key.
func (c Credentials) String(key string) string {
	if c == nil {
		return ""
	}
	value, ok := c[key]
	if !ok || value == nil {
		return ""
	}
	str, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(str)
}

// Provider adapts one external payment protocol to the payment lifecycle.
// Implementations hold no per-payment state and never persist anything.
type Provider interface {
	ID() string
	DisplayName() string

	// ValidateCredentials is a format or reachability check. It returns false
	// for unusable credentials and never errors.
	ValidateCredentials(ctx context.Context, creds Credentials) bool

	CreatePayment(ctx context.Context, req ProviderPaymentRequest, creds Credentials) (*ProviderPayment, error)

	// CorrelationKey extracts the merchant trade number a callback refers to
	// without trusting anything else in it.
	CorrelationKey(cb CallbackData) (string, error)

	// ValidateCallback recomputes the provider's integrity check. Malformed or
	// forged input yields false.
	ValidateCallback(ctx context.Context, cb CallbackData, creds Credentials) bool

	// ProcessCallback maps a verified callback to a PaymentUpdate.
	ProcessCallback(ctx context.Context, cb CallbackData, payment Payment) (*PaymentUpdate, error)

	Acknowledge(success bool) Ack
}

// ReferenceCorrelator is implemented by providers whose callbacks may lack the
// merchant trade number. The reference is the provider transaction id stored
// when the payment was initiated or captured.
type ReferenceCorrelator interface {
	CorrelationReference(cb CallbackData) (string, error)
}

// Refunder is implemented by providers that can issue refunds.
type Refunder interface {
	Refund(ctx context.Context, req RefundInstruction, creds Credentials) (*RefundResult, error)
}

// CallbackData is an inbound provider callback as received over HTTP.
type CallbackData struct {
	Body       []byte
	Form       url.Values
	Headers    http.Header
	ReceivedAt time.Time
}

// ProviderPaymentRequest is what an adapter needs to initiate a payment.
type ProviderPaymentRequest struct {
	PaymentID       snowflake.ID
	MerchantTradeNo string
	Amount          int64
	Currency        string
	Description     string
	ItemName        string
	NotifyURL       string
	ReturnURL       string
	Metadata        map[string]any
	CreatedAt       time.Time
	Configuration   map[string]any
}

// ProviderPayment is the adapter's initiation result.
type ProviderPayment struct {
	ProviderTransactionID string
	Status                Status
	RedirectURL           string
	ClientSecret          string
	FormAction            string
	FormFields            map[string]string
	Raw                   map[string]any
}

// PaymentUpdate is the normalized meaning of a verified callback. An empty
// TransactionType means the callback changes status only.
//
// A completed refund with an empty Status is classified against the ledger:
// returning the whole remaining captured amount is a full refund that settles
// the payment as refunded, anything less is a partial refund.
type PaymentUpdate struct {
	Status                Status
	TransactionType       ledgerdomain.TransactionType
	TransactionStatus     ledgerdomain.TransactionStatus
	ProviderTransactionID string
	Amount                int64
	PaymentMethod         string
	RawResponse           map[string]any
}

// Ack is the reply body a provider expects for a callback.
type Ack struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type RefundInstruction struct {
	Payment               Payment
	ProviderTransactionID string
	Amount                int64
	Reason                string
}

type RefundResult struct {
	ProviderRefundID string
	Status           ledgerdomain.TransactionStatus
	Raw              map[string]any
}
