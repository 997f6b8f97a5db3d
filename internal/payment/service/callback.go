package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	obslogger "github.com/smallbiznis/ticketpay/internal/observability/logger"
	"github.com/smallbiznis/ticketpay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// applyOutcome describes what a verified update did to a payment.
type applyOutcome struct {
	payment   *paymentdomain.Payment
	from      paymentdomain.Status
	to        paymentdomain.Status
	changed   bool
	duplicate bool
	stale     bool
	entry     *ledgerdomain.PaymentTransaction
}

// HandleCallback verifies an inbound provider notification and applies it.
// A non-nil result always carries the acknowledgement to send back, also when
// an error is returned.
func (s *Service) HandleCallback(ctx context.Context, providerID string, cb paymentdomain.CallbackData) (*paymentdomain.CallbackResult, error) {
	ctx, span := tracer.Start(ctx, "payment.callback")
	defer span.End()
	span.SetAttributes(attribute.String("provider", providerID))

	adapter, err := s.registry.Resolve(providerID)
	if err != nil {
		s.metrics.IncCallback(providerID, metrics.CallbackOutcomeUnresolved)
		return nil, paymentdomain.ErrUnknownProvider
	}
	if cb.ReceivedAt.IsZero() {
		cb.ReceivedAt = s.clock.Now().UTC()
	}

	log := obslogger.WithContext(ctx, s.log).With(zap.String("provider", adapter.ID()))
	reject := func(outcome string, err error) (*paymentdomain.CallbackResult, error) {
		s.metrics.IncCallback(adapter.ID(), outcome)
		recordSpanError(span, err)
		return &paymentdomain.CallbackResult{Ack: adapter.Acknowledge(false)}, err
	}
	ignore := func() (*paymentdomain.CallbackResult, error) {
		s.metrics.IncCallback(adapter.ID(), metrics.CallbackOutcomeIgnored)
		return &paymentdomain.CallbackResult{Ack: adapter.Acknowledge(true), Ignored: true}, nil
	}

	tradeNo, err := adapter.CorrelationKey(cb)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		log.Debug("callback event ignored")
		return ignore()
	}

	var payment *paymentdomain.Payment
	if tradeNo = strings.TrimSpace(tradeNo); err == nil && tradeNo != "" {
		payment, err = s.repo.FindByMerchantTradeNo(ctx, s.db, tradeNo)
	} else {
		ref, refErr := providerReference(adapter, cb)
		if refErr != nil {
			log.Warn("callback without correlation key", zap.Error(errors.Join(err, refErr)))
			return reject(metrics.CallbackOutcomeRejected, paymentdomain.ErrCallbackVerification)
		}
		log = log.With(zap.String("provider_reference", ref))
		payment, err = s.repo.FindByProviderReference(ctx, s.db, adapter.ID(), ref)
	}
	if err != nil {
		log.Error("failed to load payment for callback", zap.Error(err))
		return reject(metrics.CallbackOutcomeFailed, err)
	}
	if payment == nil || !strings.EqualFold(payment.ProviderID, adapter.ID()) {
		log.Warn("callback for unknown payment")
		return reject(metrics.CallbackOutcomeNotFound, paymentdomain.ErrPaymentNotFound)
	}
	log = log.With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("merchant_trade_no", payment.MerchantTradeNo),
	)
	span.SetAttributes(attribute.String("payment.id", payment.ID.String()))

	creds, err := s.providerSvc.CredentialsFor(ctx, payment.OrganizerID, adapter.ID())
	if err != nil {
		log.Error("credentials unavailable for callback", zap.Error(err))
		return reject(metrics.CallbackOutcomeFailed, err)
	}
	if !adapter.ValidateCallback(ctx, cb, paymentdomain.Credentials(creds)) {
		log.Warn("callback failed verification")
		return reject(metrics.CallbackOutcomeRejected, paymentdomain.ErrCallbackVerification)
	}

	update, err := adapter.ProcessCallback(ctx, cb, *payment)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		log.Info("verified callback carries no payment change")
		return ignore()
	}
	if err != nil {
		log.Warn("verified callback could not be mapped", zap.Error(err))
		return reject(metrics.CallbackOutcomeRejected, err)
	}

	release := s.acquire(ctx, payment.MerchantTradeNo)
	defer release()

	out, err := s.apply(ctx, payment.ID, update)
	if err != nil {
		outcome := metrics.CallbackOutcomeFailed
		switch {
		case errors.Is(err, paymentdomain.ErrInvalidTransition):
			outcome = metrics.CallbackOutcomeInvalid
		case errors.Is(err, paymentdomain.ErrAmountMismatch), errors.Is(err, paymentdomain.ErrRefundExceedsCaptured):
			outcome = metrics.CallbackOutcomeMismatch
		}
		log.Error("verified callback rejected",
			zap.String("current_status", string(payment.Status)),
			zap.String("reported_status", string(update.Status)),
			zap.String("transaction_type", string(update.TransactionType)),
			zap.Int64("amount", update.Amount),
			zap.Error(err),
		)
		return reject(outcome, err)
	}

	result := &paymentdomain.CallbackResult{
		Ack:       adapter.Acknowledge(true),
		PaymentID: out.payment.ID,
		Status:    out.payment.Status,
		Duplicate: out.duplicate,
		Ignored:   out.stale,
	}

	if out.entry != nil {
		s.metrics.IncLedgerEntry(string(out.entry.Type))
	}
	switch {
	case out.duplicate:
		log.Info("duplicate callback acknowledged")
		s.metrics.IncCallback(adapter.ID(), metrics.CallbackOutcomeDuplicate)
	case out.stale:
		log.Warn("stale callback acknowledged without status change",
			zap.String("current_status", string(out.from)),
			zap.String("reported_status", string(update.Status)),
		)
		s.metrics.IncCallback(adapter.ID(), metrics.CallbackOutcomeIgnored)
	default:
		if out.changed {
			s.afterTransition(ctx, out.payment, out.from, out.to, "provider_callback")
		}
		log.Info("callback applied",
			zap.String("from", string(out.from)),
			zap.String("to", string(out.to)),
		)
		s.metrics.IncCallback(adapter.ID(), metrics.CallbackOutcomeApplied)
	}
	return result, nil
}

// providerReference correlates a callback that carries no merchant trade
// number through the provider's own transaction id.
func providerReference(adapter paymentdomain.Provider, cb paymentdomain.CallbackData) (string, error) {
	correlator, ok := adapter.(paymentdomain.ReferenceCorrelator)
	if !ok {
		return "", paymentdomain.ErrInvalidPayload
	}
	ref, err := correlator.CorrelationReference(cb)
	if err != nil {
		return "", err
	}
	if ref = strings.TrimSpace(ref); ref == "" {
		return "", paymentdomain.ErrInvalidPayload
	}
	return ref, nil
}

// acquire takes the per-payment lock. The database compare-and-swap remains
// the final guard, so a lock failure only degrades to optimistic handling.
func (s *Service) acquire(ctx context.Context, merchantTradeNo string) func() {
	release, err := s.locker.Acquire(ctx, "payment:"+merchantTradeNo, s.lockTTL)
	if err != nil {
		s.log.Warn("payment lock unavailable",
			zap.String("merchant_trade_no", merchantTradeNo),
			zap.Error(err),
		)
		return func() {}
	}
	return release
}

// apply writes the ledger row and the status change for one verified update
// in a single transaction.
func (s *Service) apply(ctx context.Context, paymentID snowflake.ID, update *paymentdomain.PaymentUpdate) (applyOutcome, error) {
	var out applyOutcome
	if update == nil {
		return out, paymentdomain.ErrInvalidPayload
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if current == nil {
			return paymentdomain.ErrPaymentNotFound
		}
		out = applyOutcome{payment: current, from: current.Status, to: current.Status}

		if update.TransactionType == "" {
			return s.applyStatusOnly(ctx, tx, current, update, &out)
		}
		return s.applyWithLedger(ctx, tx, current, update, &out)
	})
	if err != nil {
		return applyOutcome{}, err
	}
	return out, nil
}

func (s *Service) applyStatusOnly(ctx context.Context, tx *gorm.DB, current *paymentdomain.Payment, update *paymentdomain.PaymentUpdate, out *applyOutcome) error {
	if current.Status == update.Status {
		out.duplicate = true
		return nil
	}
	if !paymentdomain.CanTransition(current.Status, update.Status) {
		if !current.Status.Open() {
			out.stale = true
			return nil
		}
		return paymentdomain.ErrInvalidTransition
	}

	statusUpdate := s.statusUpdate(current, update.Status, update)
	if ref := strings.TrimSpace(update.ProviderTransactionID); ref != "" {
		statusUpdate.ProviderTransactionID = &ref
	}
	if err := s.compareAndSwap(ctx, tx, statusUpdate); err != nil {
		return err
	}
	s.applyToModel(current, statusUpdate)
	out.to = update.Status
	out.changed = true
	return nil
}

func (s *Service) applyWithLedger(ctx context.Context, tx *gorm.DB, current *paymentdomain.Payment, update *paymentdomain.PaymentUpdate, out *applyOutcome) error {
	exists, err := s.recorded(ctx, tx, current.ID, update)
	if err != nil {
		return err
	}
	if exists {
		out.duplicate = true
		return nil
	}

	txType := update.TransactionType
	target := update.Status
	completed := update.TransactionStatus == ledgerdomain.TransactionStatusCompleted
	switch {
	case txType == ledgerdomain.TransactionTypeCharge:
		if update.Amount != current.FinalAmount {
			return paymentdomain.ErrAmountMismatch
		}
	case txType.IsReversal() && completed:
		net, err := s.ledgerSvc.NetCaptured(ctx, tx, current.ID)
		if err != nil {
			return err
		}
		if update.Amount > net {
			return paymentdomain.ErrRefundExceedsCaptured
		}
		if target == "" && txType != ledgerdomain.TransactionTypeChargeback {
			txType = ledgerdomain.TransactionTypePartialRefund
			if update.Amount == net {
				txType = ledgerdomain.TransactionTypeRefund
				target = paymentdomain.StatusRefunded
			}
		}
	}

	if target == "" {
		target = current.Status
	}
	changes := target != current.Status
	if changes && !paymentdomain.CanTransition(current.Status, target) {
		// Rows that move no money are kept for the record even when the
		// payment has already settled elsewhere.
		if completed || current.Status.Open() {
			return paymentdomain.ErrInvalidTransition
		}
		changes = false
		out.stale = true
	}
	if !changes && txType == ledgerdomain.TransactionTypeCharge && completed {
		return paymentdomain.ErrInvalidTransition
	}

	entry := &ledgerdomain.PaymentTransaction{
		PaymentID:             current.ID,
		Type:                  txType,
		Status:                update.TransactionStatus,
		Amount:                update.Amount,
		ProviderTransactionID: update.ProviderTransactionID,
		ProviderResponse:      rawJSON(update.RawResponse),
		CreatedAt:             s.clock.Now().UTC(),
	}
	inserted, err := s.ledgerSvc.Append(ctx, tx, entry)
	if err != nil {
		return err
	}
	if !inserted {
		out.duplicate = true
		out.stale = false
		return nil
	}
	out.entry = entry

	to := current.Status
	if changes {
		to = target
	}
	statusUpdate := s.statusUpdate(current, to, update)
	if txType == ledgerdomain.TransactionTypeCharge {
		ref := entry.ProviderTransactionID
		statusUpdate.ProviderTransactionID = &ref
	}
	if err := s.compareAndSwap(ctx, tx, statusUpdate); err != nil {
		return err
	}
	s.applyToModel(current, statusUpdate)
	out.to = to
	out.changed = changes
	return nil
}

// recorded reports whether the update's ledger row already exists. A refund
// id counts once whatever type it was first booked under, since the refund
// call and the provider's notice of it can classify it differently.
func (s *Service) recorded(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID, update *paymentdomain.PaymentUpdate) (bool, error) {
	if update.TransactionType.IsReversal() {
		return s.ledgerSvc.ReversalExists(ctx, tx, paymentID, update.ProviderTransactionID)
	}
	return s.ledgerSvc.Exists(ctx, tx, paymentID, update.ProviderTransactionID, update.TransactionType)
}

func (s *Service) statusUpdate(current *paymentdomain.Payment, to paymentdomain.Status, update *paymentdomain.PaymentUpdate) paymentdomain.StatusUpdate {
	statusUpdate := paymentdomain.StatusUpdate{
		ID:        current.ID,
		From:      current.Status,
		To:        to,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if method := strings.TrimSpace(update.PaymentMethod); method != "" {
		statusUpdate.PaymentMethod = &method
	}
	if len(update.RawResponse) > 0 {
		statusUpdate.ProviderResponse = datatypes.JSONMap(update.RawResponse)
	}
	return statusUpdate
}

// compareAndSwap fails the enclosing transaction when another writer moved
// the payment since it was read.
func (s *Service) compareAndSwap(ctx context.Context, tx *gorm.DB, update paymentdomain.StatusUpdate) error {
	ok, err := s.repo.UpdateStatus(ctx, tx, update)
	if err != nil {
		return err
	}
	if !ok {
		return paymentdomain.ErrConcurrentUpdate
	}
	return nil
}

func (s *Service) applyToModel(payment *paymentdomain.Payment, update paymentdomain.StatusUpdate) {
	payment.Status = update.To
	payment.UpdatedAt = update.UpdatedAt
	if update.ProviderTransactionID != nil {
		payment.ProviderTransactionID = update.ProviderTransactionID
	}
	if update.PaymentMethod != nil {
		payment.PaymentMethod = update.PaymentMethod
	}
	if update.ProviderResponse != nil {
		payment.ProviderResponse = update.ProviderResponse
	}
	if update.Metadata != nil {
		payment.Metadata = update.Metadata
	}
}

func rawJSON(raw map[string]any) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return datatypes.JSON(encoded)
}
