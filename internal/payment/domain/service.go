package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service interface {
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	HandleCallback(ctx context.Context, providerID string, cb CallbackData) (*CallbackResult, error)
	GetPayment(ctx context.Context, paymentID snowflake.ID) (*PaymentStatusResponse, error)
	CancelPayment(ctx context.Context, paymentID snowflake.ID, reason string) (*PaymentStatusResponse, error)
	ExpirePayment(ctx context.Context, paymentID snowflake.ID) (*PaymentStatusResponse, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int, error)
	RefundPayment(ctx context.Context, paymentID snowflake.ID, req RefundRequest) (*PaymentStatusResponse, error)
	ListPayments(ctx context.Context, req ListPaymentsRequest) (*ListPaymentsResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, payment *Payment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByMerchantTradeNo(ctx context.Context, db *gorm.DB, merchantTradeNo string) (*Payment, error)
	FindByProviderReference(ctx context.Context, db *gorm.DB, providerID, reference string) (*Payment, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, update StatusUpdate) (bool, error)
	ListOpenBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Payment, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter, limit int) ([]*Payment, error)
}

// ListFilter narrows an organizer's payments. BeforeID pages backwards in
// creation order; snowflake ids sort the same way.
type ListFilter struct {
	OrganizerID  snowflake.ID
	ResourceType string
	ResourceID   string
	Status       Status
	BeforeID     snowflake.ID
}

// StatusUpdate is a compare-and-swap on payments.status. Nil optional fields
// leave the stored value untouched.
type StatusUpdate struct {
	ID                    snowflake.ID
	From                  Status
	To                    Status
	ProviderTransactionID *string
	PaymentMethod         *string
	ProviderResponse      datatypes.JSONMap
	Metadata              datatypes.JSONMap
	UpdatedAt             time.Time
}
