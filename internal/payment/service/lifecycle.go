package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	obslogger "github.com/smallbiznis/ticketpay/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CancelPayment abandons an open payment on the organizer's request.
func (s *Service) CancelPayment(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.PaymentStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "payment.cancel")
	defer span.End()

	payment, err := s.loadOwned(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	extra := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		extra[metadataCancelReason] = reason
	}
	payment, err = s.closeOpen(ctx, payment, paymentdomain.StatusCancelled, extra, "cancelled")
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	s.log.Info("payment cancelled",
		zap.String("payment_id", payment.ID.String()),
		zap.String("reason", reason),
	)
	return s.statusResponse(ctx, payment)
}

// ExpirePayment fails an open payment whose customer never completed it.
func (s *Service) ExpirePayment(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.PaymentStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "payment.expire")
	defer span.End()

	payment, err := s.loadOwned(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	payment, err = s.expire(ctx, payment)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return s.statusResponse(ctx, payment)
}

// ExpireStale expires open payments created more than olderThan ago. A
// non-positive olderThan uses the configured pending expiry. It returns the
// number of payments expired.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration) (int, error) {
	ctx, span := tracer.Start(ctx, "payment.expire_stale")
	defer span.End()

	if olderThan <= 0 {
		olderThan = s.gateway.Get().PendingExpiry
	}
	cutoff := s.clock.Now().UTC().Add(-olderThan)

	items, err := s.repo.ListOpenBefore(ctx, s.db, cutoff, expireBatchSize)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}

	expired := 0
	for i := range items {
		if _, err := s.expire(ctx, &items[i]); err != nil {
			s.log.Warn("failed to expire payment",
				zap.String("payment_id", items[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	span.SetAttributes(attribute.Int("payments.expired", expired))
	if expired > 0 {
		s.log.Info("expired stale payments", zap.Int("count", expired), zap.Time("cutoff", cutoff))
	}
	return expired, nil
}

func (s *Service) expire(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.Payment, error) {
	return s.closeOpen(ctx, payment, paymentdomain.StatusFailed,
		map[string]any{metadataFailureReason: failureReasonExpired}, failureReasonExpired)
}

// closeOpen moves an open payment to a terminal status under the payment lock.
func (s *Service) closeOpen(ctx context.Context, payment *paymentdomain.Payment, to paymentdomain.Status, extra map[string]any, reason string) (*paymentdomain.Payment, error) {
	release := s.acquire(ctx, payment.MerchantTradeNo)
	defer release()

	current, err := s.repo.FindByID(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if !current.Status.Open() {
		return nil, paymentdomain.ErrInvalidTransition
	}

	if err := s.transition(ctx, current, to, mergeMetadata(current.Metadata, extra), reason); err != nil {
		return nil, err
	}
	return current, nil
}

// RefundPayment returns captured funds through the payment's provider. The
// ledger row and, for a full refund, the status change commit together.
func (s *Service) RefundPayment(ctx context.Context, paymentID snowflake.ID, req paymentdomain.RefundRequest) (*paymentdomain.PaymentStatusResponse, error) {
	ctx, span := tracer.Start(ctx, "payment.refund")
	defer span.End()

	if req.Amount < 0 {
		return nil, paymentdomain.ErrInvalidRequest
	}

	payment, err := s.loadOwned(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	adapter, err := s.registry.Resolve(payment.ProviderID)
	if err != nil {
		return nil, err
	}
	refunder, ok := adapter.(paymentdomain.Refunder)
	if !ok {
		return nil, paymentdomain.ErrRefundNotSupported
	}

	release := s.acquire(ctx, payment.MerchantTradeNo)
	defer release()

	payment, err = s.repo.FindByID(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	if payment.Status != paymentdomain.StatusCompleted {
		return nil, paymentdomain.ErrInvalidTransition
	}

	net, err := s.ledgerSvc.NetCaptured(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = net
	}
	if amount <= 0 || amount > net {
		return nil, paymentdomain.ErrRefundExceedsCaptured
	}

	creds, err := s.providerSvc.CredentialsFor(ctx, payment.OrganizerID, payment.ProviderID)
	if err != nil {
		return nil, err
	}

	providerRef := ""
	if payment.ProviderTransactionID != nil {
		providerRef = *payment.ProviderTransactionID
	}

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", payment.ProviderID),
		zap.Int64("amount", amount),
	)

	refundCtx, cancel := context.WithTimeout(ctx, s.gateway.Get().AdapterTimeout)
	defer cancel()
	result, err := refunder.Refund(refundCtx, paymentdomain.RefundInstruction{
		Payment:               *payment,
		ProviderTransactionID: providerRef,
		Amount:                amount,
		Reason:                strings.TrimSpace(req.Reason),
	}, paymentdomain.Credentials(creds))
	if err == nil && (result == nil || strings.TrimSpace(result.ProviderRefundID) == "") {
		err = errors.New("provider returned no refund reference")
	}
	if err != nil {
		log.Warn("provider refund failed", zap.Error(err))
		recordSpanError(span, err)
		if errors.Is(err, paymentdomain.ErrProviderRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrProviderRequest, err)
	}

	txType := ledgerdomain.TransactionTypePartialRefund
	if amount == net {
		txType = ledgerdomain.TransactionTypeRefund
	}
	fullRefund := txType == ledgerdomain.TransactionTypeRefund && result.Status == ledgerdomain.TransactionStatusCompleted

	entry := &ledgerdomain.PaymentTransaction{
		PaymentID:             payment.ID,
		Type:                  txType,
		Status:                result.Status,
		Amount:                amount,
		ProviderTransactionID: result.ProviderRefundID,
		ProviderResponse:      rawJSON(result.Raw),
		CreatedAt:             s.clock.Now().UTC(),
	}

	from := payment.Status
	inserted := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The provider's refund notice may have been applied first.
		recorded, err := s.ledgerSvc.ReversalExists(ctx, tx, payment.ID, entry.ProviderTransactionID)
		if err != nil || recorded {
			return err
		}
		inserted, err = s.ledgerSvc.Append(ctx, tx, entry)
		if err != nil {
			return err
		}
		if !inserted || !fullRefund {
			return nil
		}
		update := paymentdomain.StatusUpdate{
			ID:        payment.ID,
			From:      paymentdomain.StatusCompleted,
			To:        paymentdomain.StatusRefunded,
			UpdatedAt: s.clock.Now().UTC(),
		}
		if err := s.compareAndSwap(ctx, tx, update); err != nil {
			return err
		}
		s.applyToModel(payment, update)
		return nil
	})
	if err != nil {
		log.Error("provider refunded but ledger write failed",
			zap.String("provider_refund_id", result.ProviderRefundID),
			zap.Error(err),
		)
		recordSpanError(span, err)
		return nil, err
	}

	if inserted {
		s.metrics.IncLedgerEntry(string(txType))
		if fullRefund {
			s.afterTransition(ctx, payment, from, paymentdomain.StatusRefunded, "refund")
		}
	}
	if result.Status == ledgerdomain.TransactionStatusFailed {
		log.Warn("provider declined refund", zap.String("provider_refund_id", result.ProviderRefundID))
		return nil, paymentdomain.ErrProviderRequest
	}
	if !inserted {
		log.Info("refund already recorded from provider notice",
			zap.String("provider_refund_id", result.ProviderRefundID),
		)
		if payment, err = s.repo.FindByID(ctx, s.db, payment.ID); err != nil {
			return nil, err
		}
		if payment == nil {
			return nil, paymentdomain.ErrPaymentNotFound
		}
		return s.statusResponse(ctx, payment)
	}

	log.Info("payment refunded",
		zap.String("provider_refund_id", result.ProviderRefundID),
		zap.String("type", string(txType)),
	)
	return s.statusResponse(ctx, payment)
}
