package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentProvider is an organizer's onboarded provider. Credentials holds the
// encrypted envelope, never plaintext.
type PaymentProvider struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrganizerID   snowflake.ID      `json:"organizer_id" gorm:"not null;index:ux_payment_providers_organizer_provider,priority:1"`
	ProviderID    string            `json:"provider_id" gorm:"type:text;not null;index:ux_payment_providers_organizer_provider,priority:2"`
	ProviderName  string            `json:"provider_name" gorm:"type:text;not null"`
	Credentials   string            `json:"-" gorm:"type:text;not null"`
	Configuration datatypes.JSONMap `json:"configuration" gorm:"type:jsonb;not null"`
	IsActive      bool              `json:"is_active" gorm:"not null;default:true"`
	IsDefault     bool              `json:"is_default" gorm:"not null;default:false"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PaymentProvider) TableName() string { return "payment_providers" }
