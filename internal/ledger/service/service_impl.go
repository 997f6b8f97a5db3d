package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/clock"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/ticketpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: clk,
	}
}

// Append inserts entry unless a row with the same payment, provider
// transaction id and type already exists. It reports whether a row was written.
func (s *Service) Append(ctx context.Context, db *gorm.DB, entry *ledgerdomain.PaymentTransaction) (bool, error) {
	if entry == nil || entry.PaymentID == 0 {
		return false, ledgerdomain.ErrInvalidPayment
	}
	if !entry.Type.Valid() {
		return false, ledgerdomain.ErrInvalidType
	}
	if !entry.Status.Valid() {
		return false, ledgerdomain.ErrInvalidStatus
	}
	if entry.Amount < 0 {
		return false, ledgerdomain.ErrInvalidAmount
	}
	entry.ProviderTransactionID = strings.TrimSpace(entry.ProviderTransactionID)
	if entry.ProviderTransactionID == "" {
		return false, ledgerdomain.ErrInvalidProviderTransactionID
	}

	if entry.ID == 0 {
		entry.ID = s.genID.Generate()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock.Now().UTC()
	}

	conn := s.conn(db)
	res := conn.WithContext(ctx).Exec(
		`INSERT INTO payment_transactions (
			id, payment_id, type, status, amount, provider_transaction_id,
			provider_response, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?) `+
			pkgdb.OnConflict(conn, []string{"payment_id", "provider_transaction_id", "type"}),
		entry.ID,
		entry.PaymentID,
		string(entry.Type),
		string(entry.Status),
		entry.Amount,
		entry.ProviderTransactionID,
		entry.ProviderResponse,
		entry.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		s.log.Debug("ledger entry already applied",
			zap.String("payment_id", entry.PaymentID.String()),
			zap.String("provider_transaction_id", entry.ProviderTransactionID),
			zap.String("type", string(entry.Type)),
		)
		return false, nil
	}
	return true, nil
}

func (s *Service) Exists(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, providerTransactionID string, txType ledgerdomain.TransactionType) (bool, error) {
	providerTransactionID = strings.TrimSpace(providerTransactionID)
	if paymentID == 0 || providerTransactionID == "" {
		return false, nil
	}

	var count int64
	err := s.conn(db).WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_transactions
		 WHERE payment_id = ? AND provider_transaction_id = ? AND type = ?`,
		paymentID,
		providerTransactionID,
		string(txType),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) ReversalExists(ctx context.Context, db *gorm.DB, paymentID snowflake.ID, providerTransactionID string) (bool, error) {
	providerTransactionID = strings.TrimSpace(providerTransactionID)
	if paymentID == 0 || providerTransactionID == "" {
		return false, nil
	}

	var count int64
	err := s.conn(db).WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM payment_transactions
		 WHERE payment_id = ? AND provider_transaction_id = ? AND type IN (?, ?, ?)`,
		paymentID,
		providerTransactionID,
		string(ledgerdomain.TransactionTypeRefund),
		string(ledgerdomain.TransactionTypePartialRefund),
		string(ledgerdomain.TransactionTypeChargeback),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) ListFor(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) ([]ledgerdomain.PaymentTransaction, error) {
	var entries []ledgerdomain.PaymentTransaction
	err := s.conn(db).WithContext(ctx).Raw(
		`SELECT id, payment_id, type, status, amount, provider_transaction_id,
			provider_response, created_at
		 FROM payment_transactions
		 WHERE payment_id = ?
		 ORDER BY created_at ASC, id ASC`,
		paymentID,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Service) NetCaptured(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error) {
	entries, err := s.ListFor(ctx, db, paymentID)
	if err != nil {
		return 0, err
	}
	return ledgerdomain.Summarize(entries).Net(), nil
}

func (s *Service) conn(db *gorm.DB) *gorm.DB {
	if db != nil {
		return db
	}
	return s.db
}
