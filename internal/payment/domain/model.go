package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Payment is one payment attempt for a resource owned by an organizer.
type Payment struct {
	ID                    snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrganizerID           snowflake.ID      `json:"organizer_id" gorm:"not null;index:idx_payments_resource,priority:1"`
	ResourceType          string            `json:"resource_type" gorm:"type:text;not null;index:idx_payments_resource,priority:2"`
	ResourceID            string            `json:"resource_id" gorm:"type:text;not null;index:idx_payments_resource,priority:3"`
	ProviderID            string            `json:"provider_id" gorm:"type:text;not null"`
	ProviderTransactionID *string           `json:"provider_transaction_id,omitempty" gorm:"type:text"`
	MerchantTradeNo       string            `json:"merchant_trade_no" gorm:"type:varchar(20);not null;uniqueIndex"`
	Amount                int64             `json:"amount" gorm:"not null"`
	DiscountAmount        int64             `json:"discount_amount" gorm:"not null;default:0"`
	FinalAmount           int64             `json:"final_amount" gorm:"not null"`
	Currency              string            `json:"currency" gorm:"type:char(3);not null"`
	PaymentMethod         *string           `json:"payment_method,omitempty" gorm:"type:text"`
	Status                Status            `json:"status" gorm:"type:text;not null"`
	ProviderResponse      datatypes.JSONMap `json:"provider_response,omitempty" gorm:"type:jsonb"`
	Metadata              datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb;not null"`
	CreatedAt             time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Payment) TableName() string { return "payments" }
