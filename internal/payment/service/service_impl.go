package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	obslogger "github.com/smallbiznis/ticketpay/internal/observability/logger"
	"github.com/smallbiznis/ticketpay/internal/observability/metrics"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/internal/payment/events"
	"github.com/smallbiznis/ticketpay/internal/payment/lock"
	providerdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	"github.com/smallbiznis/ticketpay/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	tradeNoPrefix      = "TP"
	maxTradeNoAttempts = 3
	expireBatchSize    = 200

	metadataFailureReason = "failure_reason"
	metadataCancelReason  = "cancel_reason"
	failureReasonExpired  = "expired"
	failureReasonTimeout  = "timeout"
)

var tracer = otel.Tracer("github.com/smallbiznis/ticketpay/internal/payment/service")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Repo        paymentdomain.Repository
	LedgerSvc   ledgerdomain.Service
	ProviderSvc providerdomain.Service
	Registry    *adapters.Registry
	Locker      lock.Locker
	Publisher   events.Publisher
	Gateway     *config.GatewayConfigHolder
	Cfg         config.Config
	Metrics     *metrics.PaymentMetrics `optional:"true"`
	Clock       clock.Clock             `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	repo        paymentdomain.Repository
	ledgerSvc   ledgerdomain.Service
	providerSvc providerdomain.Service
	registry    *adapters.Registry
	locker      lock.Locker
	publisher   events.Publisher
	gateway     *config.GatewayConfigHolder
	metrics     *metrics.PaymentMetrics
	clock       clock.Clock

	publicBaseURL string
	lockTTL       time.Duration
}

func NewService(p Params) paymentdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	locker := p.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	lockTTL := p.Cfg.PaymentLockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}

	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		ledgerSvc:     p.LedgerSvc,
		providerSvc:   p.ProviderSvc,
		registry:      p.Registry,
		locker:        locker,
		publisher:     publisher,
		gateway:       p.Gateway,
		metrics:       p.Metrics,
		clock:         clk,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(p.Cfg.PublicBaseURL), "/"),
		lockTTL:       lockTTL,
	}
}

// CreatePayment persists a pending payment and asks the organizer's provider
// to initiate it. No row is written when no provider can be resolved.
func (s *Service) CreatePayment(ctx context.Context, req paymentdomain.PaymentRequest) (*paymentdomain.PaymentResponse, error) {
	ctx, span := tracer.Start(ctx, "payment.create")
	defer span.End()

	if req.OrganizerID == 0 {
		if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
			req.OrganizerID = orgID
		}
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		s.metrics.IncCreationError("")
		return nil, err
	}

	resolved, err := s.providerSvc.ResolveForPayment(ctx, req.OrganizerID, req.PreferredProviderID)
	if err != nil {
		s.metrics.IncCreationError(req.PreferredProviderID)
		recordSpanError(span, err)
		return nil, err
	}
	adapter, err := s.registry.Resolve(resolved.ProviderID)
	if err != nil {
		s.log.Error("configured provider has no adapter",
			zap.String("provider", resolved.ProviderID),
			zap.String("organizer_id", req.OrganizerID.String()),
		)
		s.metrics.IncCreationError(resolved.ProviderID)
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", adapter.ID()))

	now := s.clock.Now().UTC()
	metadata := datatypes.JSONMap{}
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	payment := &paymentdomain.Payment{
		OrganizerID:    req.OrganizerID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		ProviderID:     adapter.ID(),
		Amount:         req.Amount,
		DiscountAmount: req.DiscountAmount,
		FinalAmount:    req.FinalAmount(),
		Currency:       req.Currency,
		Status:         paymentdomain.StatusPending,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.insertWithTradeNo(ctx, payment); err != nil {
		s.metrics.IncCreationError(adapter.ID())
		recordSpanError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.id", payment.ID.String()))

	log := obslogger.WithContext(ctx, s.log).With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("merchant_trade_no", payment.MerchantTradeNo),
		zap.String("provider", payment.ProviderID),
	)

	adapterCtx, cancel := context.WithTimeout(ctx, s.gateway.Get().AdapterTimeout)
	defer cancel()
	result, err := adapter.CreatePayment(adapterCtx, paymentdomain.ProviderPaymentRequest{
		PaymentID:       payment.ID,
		MerchantTradeNo: payment.MerchantTradeNo,
		Amount:          payment.FinalAmount,
		Currency:        payment.Currency,
		Description:     req.Description,
		ItemName:        req.Description,
		NotifyURL:       s.notifyURL(adapter.ID()),
		ReturnURL:       req.CallbackURL,
		Metadata:        req.Metadata,
		CreatedAt:       now,
		Configuration:   resolved.Configuration,
	}, paymentdomain.Credentials(resolved.Credentials))
	if err == nil && result == nil {
		err = errors.New("adapter returned no result")
	}
	if err != nil {
		reason := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || adapterCtx.Err() != nil {
			reason = failureReasonTimeout
		}
		log.Warn("provider rejected payment creation", zap.String("reason", reason), zap.Error(err))
		if failErr := s.failCreation(ctx, payment, reason); failErr != nil {
			log.Error("failed to mark payment failed", zap.Error(failErr))
		}
		s.metrics.IncCreationError(adapter.ID())
		recordSpanError(span, err)
		return nil, fmt.Errorf("%w: %w", paymentdomain.ErrPaymentCreation, err)
	}

	status, err := s.recordCreation(ctx, payment, result)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	s.metrics.IncPaymentCreated(adapter.ID())
	log.Info("payment created", zap.String("status", string(status)))

	return &paymentdomain.PaymentResponse{
		PaymentID:       payment.ID.String(),
		MerchantTradeNo: payment.MerchantTradeNo,
		ProviderID:      payment.ProviderID,
		Status:          status,
		RedirectURL:     result.RedirectURL,
		ClientSecret:    result.ClientSecret,
		FormAction:      result.FormAction,
		FormFields:      result.FormFields,
		Amount:          payment.FinalAmount,
		Currency:        payment.Currency,
	}, nil
}

// insertWithTradeNo retries on unique violations with a fresh id and trade no.
func (s *Service) insertWithTradeNo(ctx context.Context, payment *paymentdomain.Payment) error {
	var err error
	for attempt := 0; attempt < maxTradeNoAttempts; attempt++ {
		payment.ID = s.genID.Generate()
		payment.MerchantTradeNo = s.newMerchantTradeNo()
		err = s.repo.Insert(ctx, s.db, payment)
		if err == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(err) {
			return err
		}
		s.log.Warn("merchant trade no collision", zap.String("merchant_trade_no", payment.MerchantTradeNo))
	}
	return err
}

// newMerchantTradeNo renders a snowflake in base 36, which stays within
// ECPay's 20 character alphanumeric limit.
func (s *Service) newMerchantTradeNo() string {
	return tradeNoPrefix + strings.ToUpper(strconv.FormatInt(s.genID.Generate().Int64(), 36))
}

func (s *Service) notifyURL(providerID string) string {
	return s.publicBaseURL + "/payments/callback/" + providerID
}

func (s *Service) failCreation(ctx context.Context, payment *paymentdomain.Payment, reason string) error {
	metadata := mergeMetadata(payment.Metadata, map[string]any{metadataFailureReason: reason})
	return s.transition(ctx, payment, paymentdomain.StatusFailed, metadata, reason)
}

// recordCreation stores the provider reference and moves the payment to
// processing when the provider already reports it so.
func (s *Service) recordCreation(ctx context.Context, payment *paymentdomain.Payment, result *paymentdomain.ProviderPayment) (paymentdomain.Status, error) {
	target := paymentdomain.StatusPending
	if result.Status == paymentdomain.StatusProcessing {
		target = paymentdomain.StatusProcessing
	}

	update := paymentdomain.StatusUpdate{
		ID:        payment.ID,
		From:      paymentdomain.StatusPending,
		To:        target,
		UpdatedAt: s.clock.Now().UTC(),
	}
	if ref := strings.TrimSpace(result.ProviderTransactionID); ref != "" {
		update.ProviderTransactionID = &ref
		payment.ProviderTransactionID = &ref
	}
	if len(result.Raw) > 0 {
		update.ProviderResponse = datatypes.JSONMap(result.Raw)
	}
	if update.ProviderTransactionID == nil && update.ProviderResponse == nil && target == paymentdomain.StatusPending {
		return target, nil
	}

	ok, err := s.repo.UpdateStatus(ctx, s.db, update)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", paymentdomain.ErrConcurrentUpdate
	}
	if target != paymentdomain.StatusPending {
		s.afterTransition(ctx, payment, paymentdomain.StatusPending, target, "")
	}
	payment.Status = target
	return target, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.PaymentStatusResponse, error) {
	payment, err := s.loadOwned(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return s.statusResponse(ctx, payment)
}

// loadOwned returns the payment only when it belongs to the organizer in ctx.
func (s *Service) loadOwned(ctx context.Context, paymentID snowflake.ID) (*paymentdomain.Payment, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return nil, paymentdomain.ErrInvalidOrganization
	}
	if paymentID == 0 {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	payment, err := s.repo.FindByID(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil || payment.OrganizerID != orgID {
		return nil, paymentdomain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) statusResponse(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.PaymentStatusResponse, error) {
	entries, err := s.ledgerSvc.ListFor(ctx, s.db, payment.ID)
	if err != nil {
		return nil, err
	}

	views := make([]paymentdomain.TransactionView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, paymentdomain.TransactionView{
			ID:                    entry.ID.String(),
			Type:                  entry.Type,
			Status:                entry.Status,
			Amount:                entry.Amount,
			ProviderTransactionID: entry.ProviderTransactionID,
			CreatedAt:             entry.CreatedAt,
		})
	}

	return &paymentdomain.PaymentStatusResponse{
		PaymentID:             payment.ID.String(),
		OrganizerID:           payment.OrganizerID.String(),
		ResourceType:          payment.ResourceType,
		ResourceID:            payment.ResourceID,
		ProviderID:            payment.ProviderID,
		ProviderTransactionID: payment.ProviderTransactionID,
		MerchantTradeNo:       payment.MerchantTradeNo,
		Amount:                payment.Amount,
		DiscountAmount:        payment.DiscountAmount,
		FinalAmount:           payment.FinalAmount,
		Currency:              payment.Currency,
		PaymentMethod:         payment.PaymentMethod,
		Status:                payment.Status,
		NetCaptured:           ledgerdomain.Summarize(entries).Net(),
		Transactions:          views,
		Metadata:              map[string]any(payment.Metadata),
		CreatedAt:             payment.CreatedAt,
		UpdatedAt:             payment.UpdatedAt,
	}, nil
}

// transition applies a status change that carries no ledger entry.
func (s *Service) transition(ctx context.Context, payment *paymentdomain.Payment, to paymentdomain.Status, metadata datatypes.JSONMap, reason string) error {
	from := payment.Status
	if !paymentdomain.CanTransition(from, to) {
		return paymentdomain.ErrInvalidTransition
	}

	now := s.clock.Now().UTC()
	ok, err := s.repo.UpdateStatus(ctx, s.db, paymentdomain.StatusUpdate{
		ID:        payment.ID,
		From:      from,
		To:        to,
		Metadata:  metadata,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return paymentdomain.ErrConcurrentUpdate
	}

	payment.Status = to
	payment.UpdatedAt = now
	if metadata != nil {
		payment.Metadata = metadata
	}
	s.afterTransition(ctx, payment, from, to, reason)
	return nil
}

// afterTransition runs once a status change committed.
func (s *Service) afterTransition(ctx context.Context, payment *paymentdomain.Payment, from, to paymentdomain.Status, reason string) {
	s.metrics.IncTransition(payment.ProviderID, string(from), string(to))

	event := events.StatusChanged{
		Type:            events.TypeStatusChanged,
		PaymentID:       payment.ID,
		OrganizerID:     payment.OrganizerID,
		ResourceType:    payment.ResourceType,
		ResourceID:      payment.ResourceID,
		ProviderID:      payment.ProviderID,
		MerchantTradeNo: payment.MerchantTradeNo,
		From:            from,
		To:              to,
		FinalAmount:     payment.FinalAmount,
		Currency:        payment.Currency,
		Reason:          reason,
		OccurredAt:      s.clock.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish payment status change",
			zap.String("payment_id", payment.ID.String()),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

func mergeMetadata(current datatypes.JSONMap, extra map[string]any) datatypes.JSONMap {
	merged := datatypes.JSONMap{}
	for key, value := range current {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var _ paymentdomain.Service = (*Service)(nil)
