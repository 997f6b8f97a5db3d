package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TransactionTypeCharge        TransactionType = "charge"
	TransactionTypeRefund        TransactionType = "refund"
	TransactionTypePartialRefund TransactionType = "partial_refund"
	TransactionTypeChargeback    TransactionType = "chargeback"
)

// IsReversal reports whether the type returns captured funds.
func (t TransactionType) IsReversal() bool {
	switch t {
	case TransactionTypeRefund, TransactionTypePartialRefund, TransactionTypeChargeback:
		return true
	default:
		return false
	}
}

func (t TransactionType) Valid() bool {
	return t == TransactionTypeCharge || t.IsReversal()
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	default:
		return false
	}
}

// PaymentTransaction is an immutable ledger row. One row exists per distinct
// provider event, keyed by (payment_id, provider_transaction_id, type).
type PaymentTransaction struct {
	ID                    snowflake.ID      `json:"id" gorm:"primaryKey"`
	PaymentID             snowflake.ID      `json:"payment_id" gorm:"not null;uniqueIndex:ux_payment_transactions_event,priority:1"`
	Type                  TransactionType   `json:"type" gorm:"type:text;not null;uniqueIndex:ux_payment_transactions_event,priority:3"`
	Status                TransactionStatus `json:"status" gorm:"type:text;not null"`
	Amount                int64             `json:"amount" gorm:"not null"`
	ProviderTransactionID string            `json:"provider_transaction_id" gorm:"type:text;not null;uniqueIndex:ux_payment_transactions_event,priority:2"`
	ProviderResponse      datatypes.JSON    `json:"provider_response,omitempty" gorm:"type:jsonb"`
	CreatedAt             time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }
