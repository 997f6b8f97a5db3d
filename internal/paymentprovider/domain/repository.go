package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	List(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) ([]PaymentProvider, error)
	Find(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string) (*PaymentProvider, error)
	FindDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) (*PaymentProvider, error)
	ListActive(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) ([]PaymentProvider, error)
	Upsert(ctx context.Context, db *gorm.DB, provider *PaymentProvider) error
	UpdateActive(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string, isActive bool, updatedAt time.Time) (bool, error)
	ClearDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, updatedAt time.Time) error
	MarkDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string, updatedAt time.Time) (bool, error)
}
