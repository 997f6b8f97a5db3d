package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Service is the append-only payment transaction ledger. Callers pass the
// gorm handle so appends can join an enclosing transaction.
type Service interface {
	Append(ctx context.Context, db *gorm.DB, entry *PaymentTransaction) (bool, error)
	Exists(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, providerTransactionID string, txType TransactionType) (bool, error)
	// ReversalExists reports whether a reversal with this provider id was
	// recorded under any reversal type.
	ReversalExists(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, providerTransactionID string) (bool, error)
	ListFor(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]PaymentTransaction, error)
	NetCaptured(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)
}

var (
	ErrInvalidPayment               = errors.New("invalid_payment")
	ErrInvalidType                  = errors.New("invalid_transaction_type")
	ErrInvalidStatus                = errors.New("invalid_transaction_status")
	ErrInvalidAmount                = errors.New("invalid_transaction_amount")
	ErrInvalidProviderTransactionID = errors.New("invalid_provider_transaction_id")
)
