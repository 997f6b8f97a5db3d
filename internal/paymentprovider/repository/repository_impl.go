package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	pkgdb "github.com/smallbiznis/ticketpay/pkg/db"
	"gorm.io/gorm"
)

const providerColumns = `id, organizer_id, provider_id, provider_name, credentials, configuration,
	is_active, is_default, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) ([]domain.PaymentProvider, error) {
	var providers []domain.PaymentProvider
	err := db.WithContext(ctx).Raw(
		`SELECT `+providerColumns+`
		 FROM payment_providers
		 WHERE organizer_id = ?
		 ORDER BY provider_id`,
		organizerID,
	).Scan(&providers).Error
	if err != nil {
		return nil, err
	}
	return providers, nil
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string) (*domain.PaymentProvider, error) {
	var item domain.PaymentProvider
	err := db.WithContext(ctx).Raw(
		`SELECT `+providerColumns+`
		 FROM payment_providers
		 WHERE organizer_id = ? AND provider_id = ?
		 LIMIT 1`,
		organizerID,
		providerID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) (*domain.PaymentProvider, error) {
	var item domain.PaymentProvider
	err := db.WithContext(ctx).Raw(
		`SELECT `+providerColumns+`
		 FROM payment_providers
		 WHERE organizer_id = ? AND is_default = ? AND is_active = ?
		 LIMIT 1`,
		organizerID,
		true,
		true,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB, organizerID snowflake.ID) ([]domain.PaymentProvider, error) {
	var providers []domain.PaymentProvider
	err := db.WithContext(ctx).Raw(
		`SELECT `+providerColumns+`
		 FROM payment_providers
		 WHERE organizer_id = ? AND is_active = ?
		 ORDER BY provider_id`,
		organizerID,
		true,
	).Scan(&providers).Error
	if err != nil {
		return nil, err
	}
	return providers, nil
}

// Upsert keeps id and created_at of an existing row; rotation only replaces
// credentials, configuration and flags.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, provider *domain.PaymentProvider) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_providers (
			id, organizer_id, provider_id, provider_name, credentials, configuration,
			is_active, is_default, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) `+
			pkgdb.OnConflict(db, []string{"organizer_id", "provider_id"},
				"provider_name", "credentials", "configuration", "is_active", "is_default", "updated_at"),
		provider.ID,
		provider.OrganizerID,
		provider.ProviderID,
		provider.ProviderName,
		provider.Credentials,
		provider.Configuration,
		provider.IsActive,
		provider.IsDefault,
		provider.CreatedAt,
		provider.UpdatedAt,
	).Error
}

// UpdateActive toggles the active flag. Deactivating also drops the default
// flag so an inactive provider is never resolved as the default.
func (r *repo) UpdateActive(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string, isActive bool, updatedAt time.Time) (bool, error) {
	query := `UPDATE payment_providers
		 SET is_active = ?, updated_at = ?
		 WHERE organizer_id = ? AND provider_id = ?`
	if !isActive {
		query = `UPDATE payment_providers
		 SET is_active = ?, is_default = FALSE, updated_at = ?
		 WHERE organizer_id = ? AND provider_id = ?`
	}
	res := db.WithContext(ctx).Exec(query, isActive, updatedAt, organizerID, providerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClearDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_providers
		 SET is_default = FALSE, updated_at = ?
		 WHERE organizer_id = ? AND is_default = ?`,
		updatedAt,
		organizerID,
		true,
	).Error
}

func (r *repo) MarkDefault(ctx context.Context, db *gorm.DB, organizerID snowflake.ID, providerID string, updatedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_providers
		 SET is_default = TRUE, updated_at = ?
		 WHERE organizer_id = ? AND provider_id = ? AND is_active = ?`,
		updatedAt,
		organizerID,
		providerID,
		true,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
