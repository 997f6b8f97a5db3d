package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const paymentColumns = `id, organizer_id, resource_type, resource_id, provider_id,
	provider_transaction_id, merchant_trade_no, amount, discount_amount, final_amount,
	currency, payment_method, status, provider_response, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, payment *domain.Payment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payments (`+paymentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		payment.ID,
		payment.OrganizerID,
		payment.ResourceType,
		payment.ResourceID,
		payment.ProviderID,
		payment.ProviderTransactionID,
		payment.MerchantTradeNo,
		payment.Amount,
		payment.DiscountAmount,
		payment.FinalAmount,
		payment.Currency,
		payment.PaymentMethod,
		string(payment.Status),
		payment.ProviderResponse,
		payment.Metadata,
		payment.CreatedAt,
		payment.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByMerchantTradeNo(ctx context.Context, db *gorm.DB, merchantTradeNo string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE merchant_trade_no = ?
		 LIMIT 1`,
		merchantTradeNo,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// FindByProviderReference looks a payment up by the transaction id its
// provider assigned at initiation.
func (r *repo) FindByProviderReference(ctx context.Context, db *gorm.DB, providerID, reference string) (*domain.Payment, error) {
	var item domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE provider_id = ? AND provider_transaction_id = ?
		 ORDER BY id DESC
		 LIMIT 1`,
		providerID,
		reference,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, update domain.StatusUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payments
		 SET status = ?,
			provider_transaction_id = COALESCE(?, provider_transaction_id),
			payment_method = COALESCE(?, payment_method),
			provider_response = COALESCE(?, provider_response),
			metadata = COALESCE(?, metadata),
			updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(update.To),
		update.ProviderTransactionID,
		update.PaymentMethod,
		update.ProviderResponse,
		update.Metadata,
		update.UpdatedAt,
		update.ID,
		string(update.From),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOpenBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status IN (?, ?) AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		string(domain.StatusPending),
		string(domain.StatusProcessing),
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + paymentColumns + `
		 FROM payments
		 WHERE organizer_id = ?`
	args := []any{filter.OrganizerID}
	if filter.ResourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, filter.ResourceType)
	}
	if filter.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, filter.ResourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BeforeID != 0 {
		query += ` AND id < ?`
		args = append(args, filter.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var items []*domain.Payment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
