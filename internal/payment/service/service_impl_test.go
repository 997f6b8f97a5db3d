package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/credential"
	ledgerdomain "github.com/smallbiznis/ticketpay/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/ticketpay/internal/ledger/service"
	"github.com/smallbiznis/ticketpay/internal/observability/metrics"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters/ecpay"
	"github.com/smallbiznis/ticketpay/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/internal/payment/events"
	"github.com/smallbiznis/ticketpay/internal/payment/lock"
	paymentrepo "github.com/smallbiznis/ticketpay/internal/payment/repository"
	paymentservice "github.com/smallbiznis/ticketpay/internal/payment/service"
	providerdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	providerrepo "github.com/smallbiznis/ticketpay/internal/paymentprovider/repository"
	providerservice "github.com/smallbiznis/ticketpay/internal/paymentprovider/service"
	"github.com/smallbiznis/ticketpay/internal/paymenttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	organizerID = int64(1001)
	fakeSecret  = "s3cret"
)

var tradeNoPattern = regexp.MustCompile(`^TP[0-9A-Z]{1,18}$`)

type fixture struct {
	db        *gorm.DB
	svc       paymentdomain.Service
	clock     *clock.FakeClock
	provider  *fakeProvider
	providers providerdomain.Service
	ledger    ledgerdomain.Service
	publisher *events.MemoryPublisher
}

func newFixture(t *testing.T, mutate ...func(*paymentservice.Params)) fixture {
	t.Helper()
	return newFixtureWithGateway(t, config.DefaultGatewayConfig(), mutate...)
}

func newFixtureWithGateway(t *testing.T, gatewayCfg config.GatewayConfig, mutate ...func(*paymentservice.Params)) fixture {
	t.Helper()

	db := paymenttest.NewDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	gateway := config.NewStaticGatewayConfigHolder(gatewayCfg)
	log := zap.NewNop()

	fake := &fakeProvider{}
	registry := adapters.NewRegistry(fake, ecpay.New(gateway, clk), stripe.New(gateway))
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	providerSvc := providerservice.New(providerservice.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Repo:     providerrepo.Provide(),
		Store:    credential.NewStore("test-secret"),
		Registry: registry,
		Clock:    clk,
	})
	publisher := events.NewMemoryPublisher()

	params := paymentservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Repo:        paymentrepo.Provide(),
		LedgerSvc:   ledgerSvc,
		ProviderSvc: providerSvc,
		Registry:    registry,
		Locker:      lock.NewKeyedMutex(),
		Publisher:   publisher,
		Gateway:     gateway,
		Cfg: config.Config{
			PublicBaseURL:  "https://pay.example.com/",
			PaymentLockTTL: 5 * time.Second,
		},
		Metrics: metrics.NewWithRegisterer(prometheus.NewRegistry(), metrics.Config{ServiceName: "ticketpay-test"}),
		Clock:   clk,
	}
	for _, fn := range mutate {
		fn(&params)
	}

	return fixture{
		db:        db,
		svc:       paymentservice.NewService(params),
		clock:     clk,
		provider:  fake,
		providers: providerSvc,
		ledger:    ledgerSvc,
		publisher: publisher,
	}
}

func orgCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), organizerID)
}

func (f fixture) onboard(t *testing.T) {
	t.Helper()
	_, err := f.providers.Onboard(orgCtx(), providerdomain.UpsertRequest{
		Provider:    fakeProviderID,
		Credentials: map[string]any{"secret": fakeSecret},
	})
	require.NoError(t, err)
}

func paymentRequest() paymentdomain.PaymentRequest {
	return paymentdomain.PaymentRequest{
		ResourceType:   "registration",
		ResourceID:     "reg-1",
		Amount:         1200,
		DiscountAmount: 200,
		Currency:       "twd",
		Description:    "Early bird",
		CallbackURL:    "https://tickets.example.com/orders/reg-1",
		Metadata:       map[string]any{"event_id": "evt-9"},
	}
}

func (f fixture) create(t *testing.T) (*paymentdomain.PaymentResponse, snowflake.ID) {
	t.Helper()
	resp, err := f.svc.CreatePayment(orgCtx(), paymentRequest())
	require.NoError(t, err)
	id, err := snowflake.ParseString(resp.PaymentID)
	require.NoError(t, err)
	return resp, id
}

func (f fixture) status(t *testing.T, id snowflake.ID) *paymentdomain.PaymentStatusResponse {
	t.Helper()
	resp, err := f.svc.GetPayment(orgCtx(), id)
	require.NoError(t, err)
	return resp
}

func (f fixture) ledgerRows(t *testing.T, id snowflake.ID) []ledgerdomain.PaymentTransaction {
	t.Helper()
	rows, err := f.ledger.ListFor(context.Background(), f.db, id)
	require.NoError(t, err)
	return rows
}

func signed(cb fakeCallback) paymentdomain.CallbackData {
	if cb.Signature == "" {
		cb.Signature = fakeSecret
	}
	body, _ := json.Marshal(cb)
	return paymentdomain.CallbackData{Body: body}
}

func charge(tradeNo, txID string, amount int64) fakeCallback {
	return fakeCallback{
		TradeNo:  tradeNo,
		Status:   string(paymentdomain.StatusCompleted),
		TxType:   string(ledgerdomain.TransactionTypeCharge),
		TxStatus: string(ledgerdomain.TransactionStatusCompleted),
		TxID:     txID,
		Amount:   amount,
	}
}

func failedCharge(tradeNo, txID string) fakeCallback {
	return fakeCallback{
		TradeNo:  tradeNo,
		Status:   string(paymentdomain.StatusFailed),
		TxType:   string(ledgerdomain.TransactionTypeCharge),
		TxStatus: string(ledgerdomain.TransactionStatusFailed),
		TxID:     txID,
		Amount:   1000,
	}
}

func (f fixture) complete(t *testing.T, tradeNo string) {
	t.Helper()
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge(tradeNo, "ch_1", 1000)))
	require.NoError(t, err)
	require.Equal(t, paymentdomain.StatusCompleted, result.Status)
}

func TestCreatePaymentPersistsPending(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)

	resp, id := f.create(t)
	assert.Equal(t, paymentdomain.StatusPending, resp.Status)
	assert.Equal(t, fakeProviderID, resp.ProviderID)
	assert.Equal(t, int64(1000), resp.Amount)
	assert.Equal(t, "TWD", resp.Currency)
	assert.Regexp(t, tradeNoPattern, resp.MerchantTradeNo)
	assert.LessOrEqual(t, len(resp.MerchantTradeNo), 20)
	assert.Equal(t, "https://fake.example.com/pay/"+resp.MerchantTradeNo, resp.RedirectURL)

	req := f.provider.lastRequest()
	assert.Equal(t, "https://pay.example.com/payments/callback/fakepay", req.NotifyURL)
	assert.Equal(t, "https://tickets.example.com/orders/reg-1", req.ReturnURL)
	assert.Equal(t, int64(1000), req.Amount)
	assert.Equal(t, id, req.PaymentID)

	status := f.status(t, id)
	assert.Equal(t, paymentdomain.StatusPending, status.Status)
	assert.Equal(t, int64(1200), status.Amount)
	assert.Equal(t, int64(200), status.DiscountAmount)
	assert.Equal(t, int64(1000), status.FinalAmount)
	require.NotNil(t, status.ProviderTransactionID)
	assert.Equal(t, "fp_"+resp.MerchantTradeNo, *status.ProviderTransactionID)
	assert.Equal(t, "evt-9", status.Metadata["event_id"])
	assert.Empty(t, status.Transactions)
	assert.Empty(t, f.publisher.Events())

	second, _ := f.create(t)
	assert.NotEqual(t, resp.MerchantTradeNo, second.MerchantTradeNo)
}

func TestCreatePaymentProcessingAtProvider(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	f.provider.status = paymentdomain.StatusProcessing

	resp, id := f.create(t)
	assert.Equal(t, paymentdomain.StatusProcessing, resp.Status)
	assert.Equal(t, paymentdomain.StatusProcessing, f.status(t, id).Status)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, paymentdomain.StatusPending, published[0].From)
	assert.Equal(t, paymentdomain.StatusProcessing, published[0].To)
}

func TestCreatePaymentWithoutProviderWritesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreatePayment(orgCtx(), paymentRequest())
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payments`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)

	req := paymentRequest()
	req.Amount = 0
	_, err := f.svc.CreatePayment(orgCtx(), req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)

	req = paymentRequest()
	req.DiscountAmount = 1300
	_, err = f.svc.CreatePayment(orgCtx(), req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)

	req = paymentRequest()
	req.CallbackURL = "not a url"
	_, err = f.svc.CreatePayment(orgCtx(), req)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)

	_, err = f.svc.CreatePayment(context.Background(), paymentRequest())
	var verrs paymentdomain.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "organizer_id", verrs[0].Field)

	_, err = f.svc.CreatePayment(orgCtx(), func() paymentdomain.PaymentRequest {
		r := paymentRequest()
		r.PreferredProviderID = "ecpay"
		return r
	}())
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotConfigured)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM payments`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestCreatePaymentAdapterFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	f.provider.createErr = errors.New("gateway down")

	_, err := f.svc.CreatePayment(orgCtx(), paymentRequest())
	require.ErrorIs(t, err, paymentdomain.ErrPaymentCreation)
	assert.ErrorContains(t, err, "gateway down")

	var stored struct {
		ID       int64
		Status   string
		Metadata string
	}
	require.NoError(t, f.db.Raw(`SELECT id, status, metadata FROM payments`).Scan(&stored).Error)
	assert.Equal(t, string(paymentdomain.StatusFailed), stored.Status)
	assert.Contains(t, stored.Metadata, `"failure_reason":"gateway down"`)
	assert.Contains(t, stored.Metadata, `"event_id":"evt-9"`)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, paymentdomain.StatusFailed, published[0].To)
	assert.Equal(t, snowflake.ID(stored.ID), published[0].PaymentID)
}

func TestCreatePaymentTimeoutReason(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	f.provider.createErr = context.DeadlineExceeded

	_, err := f.svc.CreatePayment(orgCtx(), paymentRequest())
	require.ErrorIs(t, err, paymentdomain.ErrPaymentCreation)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var metadata string
	require.NoError(t, f.db.Raw(`SELECT metadata FROM payments`).Scan(&metadata).Error)
	assert.Contains(t, metadata, `"failure_reason":"timeout"`)
}

func TestGetPaymentScopedToOrganizer(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	_, id := f.create(t)

	_, err := f.svc.GetPayment(orgcontext.WithOrgID(context.Background(), 42), id)
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)

	_, err = f.svc.GetPayment(context.Background(), id)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidOrganization)

	_, err = f.svc.GetPayment(orgCtx(), snowflake.ID(12345))
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func TestCallbackCompletesPaymentOnce(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	cb := signed(charge(resp.MerchantTradeNo, "ch_1", 1000))
	first, err := f.svc.HandleCallback(context.Background(), fakeProviderID, cb)
	require.NoError(t, err)
	assert.Equal(t, 200, first.Ack.StatusCode)
	assert.Equal(t, paymentdomain.StatusCompleted, first.Status)
	assert.False(t, first.Duplicate)
	assert.Equal(t, id, first.PaymentID)

	second, err := f.svc.HandleCallback(context.Background(), fakeProviderID, cb)
	require.NoError(t, err)
	assert.Equal(t, 200, second.Ack.StatusCode)
	assert.True(t, second.Duplicate)

	status := f.status(t, id)
	assert.Equal(t, paymentdomain.StatusCompleted, status.Status)
	assert.Equal(t, int64(1000), status.NetCaptured)
	require.NotNil(t, status.PaymentMethod)
	assert.Equal(t, "card", *status.PaymentMethod)
	require.NotNil(t, status.ProviderTransactionID)
	assert.Equal(t, "ch_1", *status.ProviderTransactionID)
	require.Len(t, status.Transactions, 1)
	assert.Equal(t, ledgerdomain.TransactionTypeCharge, status.Transactions[0].Type)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeStatusChanged, published[0].Type)
	assert.Equal(t, paymentdomain.StatusPending, published[0].From)
	assert.Equal(t, paymentdomain.StatusCompleted, published[0].To)
	assert.Equal(t, "reg-1", published[0].ResourceID)
}

func TestConcurrentDuplicateCallbacksApplyOnce(t *testing.T) {
	lockers := map[string]lock.Locker{
		"keyed mutex": lock.NewKeyedMutex(),
		"no lock":     lock.NopLocker{},
	}
	for name, locker := range lockers {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, func(p *paymentservice.Params) { p.Locker = locker })
			f.onboard(t)
			resp, id := f.create(t)

			cb := signed(charge(resp.MerchantTradeNo, "ch_1", 1000))
			const workers = 8
			var (
				wg      sync.WaitGroup
				applied atomic.Int32
				failed  atomic.Int32
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, cb)
					if err != nil || result.Ack.StatusCode != 200 {
						failed.Add(1)
						return
					}
					if !result.Duplicate {
						applied.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Zero(t, failed.Load())
			assert.Equal(t, int32(1), applied.Load())
			assert.Len(t, f.ledgerRows(t, id), 1)
			assert.Len(t, f.publisher.Events(), 1)
			assert.Equal(t, paymentdomain.StatusCompleted, f.status(t, id).Status)
		})
	}
}

// blindLedger hides committed rows from the pre-insert check, as seen by a
// writer racing another that has not committed yet.
type blindLedger struct {
	ledgerdomain.Service
}

func (blindLedger) Exists(context.Context, *gorm.DB, snowflake.ID, string, ledgerdomain.TransactionType) (bool, error) {
	return false, nil
}

func (blindLedger) ReversalExists(context.Context, *gorm.DB, snowflake.ID, string) (bool, error) {
	return false, nil
}

func TestUniqueConstraintAcknowledgesDuplicatesWithoutLock(t *testing.T) {
	f := newFixture(t, func(p *paymentservice.Params) {
		p.Locker = lock.NopLocker{}
		p.LedgerSvc = blindLedger{Service: p.LedgerSvc}
	})
	f.onboard(t)
	ctx := context.Background()

	resp, id := f.create(t)
	f.complete(t, resp.MerchantTradeNo)
	refund := fakeCallback{
		TradeNo:  resp.MerchantTradeNo,
		TxType:   string(ledgerdomain.TransactionTypePartialRefund),
		TxStatus: string(ledgerdomain.TransactionStatusCompleted),
		TxID:     "rf_9",
		Amount:   300,
	}
	result, err := f.svc.HandleCallback(ctx, fakeProviderID, signed(refund))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	result, err = f.svc.HandleCallback(ctx, fakeProviderID, signed(refund))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 200, result.Ack.StatusCode)
	assert.Equal(t, int64(700), f.status(t, id).NetCaptured)

	declined, declinedID := f.create(t)
	_, err = f.svc.HandleCallback(ctx, fakeProviderID, signed(failedCharge(declined.MerchantTradeNo, "ch_x")))
	require.NoError(t, err)
	result, err = f.svc.HandleCallback(ctx, fakeProviderID, signed(failedCharge(declined.MerchantTradeNo, "ch_x")))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Len(t, f.ledgerRows(t, declinedID), 1)
}

func TestCallbackRejections(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	forged := charge(resp.MerchantTradeNo, "ch_1", 1000)
	forged.Signature = "guess"
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(forged))
	assert.ErrorIs(t, err, paymentdomain.ErrCallbackVerification)
	require.NotNil(t, result)
	assert.Equal(t, 400, result.Ack.StatusCode)

	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge("TPUNKNOWN", "ch_1", 1000)))
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
	require.NotNil(t, result)
	assert.Equal(t, 400, result.Ack.StatusCode)

	result, err = f.svc.HandleCallback(context.Background(), "paypal", signed(charge(resp.MerchantTradeNo, "ch_1", 1000)))
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownProvider)
	assert.Nil(t, result)

	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, paymentdomain.CallbackData{Body: []byte("{")})
	assert.ErrorIs(t, err, paymentdomain.ErrCallbackVerification)
	require.NotNil(t, result)

	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge(resp.MerchantTradeNo, "ch_1", 999)))
	assert.ErrorIs(t, err, paymentdomain.ErrAmountMismatch)
	require.NotNil(t, result)
	assert.Equal(t, 400, result.Ack.StatusCode)

	assert.Equal(t, paymentdomain.StatusPending, f.status(t, id).Status)
	assert.Empty(t, f.ledgerRows(t, id))
	assert.Empty(t, f.publisher.Events())
}

func TestCallbackIgnoredEvent(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)

	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(fakeCallback{Ignore: true}))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, 200, result.Ack.StatusCode)
}

func TestCallbackTransitions(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	processing := fakeCallback{TradeNo: resp.MerchantTradeNo, Status: string(paymentdomain.StatusProcessing)}
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(processing))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusProcessing, result.Status)

	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(processing))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	f.complete(t, resp.MerchantTradeNo)

	// A late status-only notice cannot move a settled payment.
	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(processing))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, paymentdomain.StatusCompleted, result.Status)

	// A second capture on a completed payment needs an operator.
	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge(resp.MerchantTradeNo, "ch_2", 1000)))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)
	assert.Equal(t, 400, result.Ack.StatusCode)

	// A declined attempt moves no money, so it is recorded without a status change.
	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(failedCharge(resp.MerchantTradeNo, "ch_3")))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, paymentdomain.StatusCompleted, result.Status)

	assert.Len(t, f.ledgerRows(t, id), 2)
	assert.Equal(t, paymentdomain.StatusCompleted, f.status(t, id).Status)

	published := f.publisher.Events()
	require.Len(t, published, 2)
	assert.Equal(t, paymentdomain.StatusProcessing, published[0].To)
	assert.Equal(t, paymentdomain.StatusCompleted, published[1].To)
}

func TestFailedChargesAccumulate(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(failedCharge(resp.MerchantTradeNo, "ch_1")))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusFailed, result.Status)

	result, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(failedCharge(resp.MerchantTradeNo, "ch_2")))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, paymentdomain.StatusFailed, result.Status)

	status := f.status(t, id)
	assert.Len(t, status.Transactions, 2)
	assert.Zero(t, status.NetCaptured)
	assert.Len(t, f.publisher.Events(), 1)
}

// failingRepo fails status writes once armed.
type failingRepo struct {
	paymentdomain.Repository
	armed atomic.Bool
}

func (r *failingRepo) UpdateStatus(ctx context.Context, db *gorm.DB, update paymentdomain.StatusUpdate) (bool, error) {
	if r.armed.Load() {
		return false, errors.New("status write failed")
	}
	return r.Repository.UpdateStatus(ctx, db, update)
}

func TestCallbackRollsBackLedgerWhenStatusWriteFails(t *testing.T) {
	repo := &failingRepo{Repository: paymentrepo.Provide()}
	f := newFixture(t, func(p *paymentservice.Params) { p.Repo = repo })
	f.onboard(t)
	resp, id := f.create(t)

	repo.armed.Store(true)
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge(resp.MerchantTradeNo, "ch_1", 1000)))
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 400, result.Ack.StatusCode)
	assert.Empty(t, f.ledgerRows(t, id))
	assert.Empty(t, f.publisher.Events())

	// The provider retries and the payment completes normally.
	repo.armed.Store(false)
	f.complete(t, resp.MerchantTradeNo)
	assert.Len(t, f.ledgerRows(t, id), 1)
}

func TestRefundConservation(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	_, err := f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{Amount: 100})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)

	f.complete(t, resp.MerchantTradeNo)

	status, err := f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{Amount: 400, Reason: "seat change"})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, status.Status)
	assert.Equal(t, int64(600), status.NetCaptured)
	require.Len(t, status.Transactions, 2)
	assert.Equal(t, ledgerdomain.TransactionTypePartialRefund, status.Transactions[1].Type)
	assert.Equal(t, "rf_1", status.Transactions[1].ProviderTransactionID)

	require.Len(t, f.provider.refunds, 1)
	assert.Equal(t, "ch_1", f.provider.refunds[0].ProviderTransactionID)
	assert.Equal(t, "seat change", f.provider.refunds[0].Reason)

	_, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{Amount: 700})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsCaptured)

	_, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{Amount: -1})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)

	// The provider's own notice for the refund we issued is a duplicate.
	notice := fakeCallback{
		TradeNo:  resp.MerchantTradeNo,
		Status:   string(paymentdomain.StatusCompleted),
		TxType:   string(ledgerdomain.TransactionTypePartialRefund),
		TxStatus: string(ledgerdomain.TransactionStatusCompleted),
		TxID:     "rf_1",
		Amount:   400,
	}
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(notice))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	status, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{})
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRefunded, status.Status)
	assert.Zero(t, status.NetCaptured)
	assert.Equal(t, ledgerdomain.TransactionTypeRefund, status.Transactions[2].Type)
	assert.Equal(t, int64(600), status.Transactions[2].Amount)

	_, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)

	published := f.publisher.Events()
	require.Len(t, published, 2)
	assert.Equal(t, paymentdomain.StatusCompleted, published[1].From)
	assert.Equal(t, paymentdomain.StatusRefunded, published[1].To)
}

func TestRefundCallbackBeyondCapturedIsRejected(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)
	f.complete(t, resp.MerchantTradeNo)

	notice := fakeCallback{
		TradeNo:  resp.MerchantTradeNo,
		Status:   string(paymentdomain.StatusRefunded),
		TxType:   string(ledgerdomain.TransactionTypeRefund),
		TxStatus: string(ledgerdomain.TransactionStatusCompleted),
		TxID:     "re_9",
		Amount:   1500,
	}
	_, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(notice))
	assert.ErrorIs(t, err, paymentdomain.ErrRefundExceedsCaptured)

	notice.Amount = 1000
	result, err := f.svc.HandleCallback(context.Background(), fakeProviderID, signed(notice))
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRefunded, result.Status)
	assert.Zero(t, f.status(t, id).NetCaptured)
}

func TestRefundProviderOutcomes(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)
	f.complete(t, resp.MerchantTradeNo)

	f.provider.refundErr = errors.New("upstream 500")
	_, err := f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{Amount: 100})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderRequest)
	assert.Len(t, f.ledgerRows(t, id), 1)

	f.provider.refundErr = nil
	f.provider.refundStat = ledgerdomain.TransactionStatusFailed
	_, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderRequest)

	status := f.status(t, id)
	assert.Equal(t, paymentdomain.StatusCompleted, status.Status)
	assert.Equal(t, int64(1000), status.NetCaptured)
	require.Len(t, status.Transactions, 2)
	assert.Equal(t, ledgerdomain.TransactionStatusFailed, status.Transactions[1].Status)
}

func TestCancelPayment(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	_, id := f.create(t)

	_, err := f.svc.CancelPayment(orgcontext.WithOrgID(context.Background(), 42), id, "changed mind")
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)

	status, err := f.svc.CancelPayment(orgCtx(), id, " changed mind ")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCancelled, status.Status)
	assert.Equal(t, "changed mind", status.Metadata["cancel_reason"])
	assert.Equal(t, "evt-9", status.Metadata["event_id"])

	_, err = f.svc.CancelPayment(orgCtx(), id, "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)

	published := f.publisher.Events()
	require.Len(t, published, 1)
	assert.Equal(t, paymentdomain.StatusCancelled, published[0].To)
	assert.Equal(t, "cancelled", published[0].Reason)
}

func TestExpirePaymentAndLateCapture(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)
	resp, id := f.create(t)

	status, err := f.svc.ExpirePayment(orgCtx(), id)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusFailed, status.Status)
	assert.Equal(t, "expired", status.Metadata["failure_reason"])

	// Money captured after expiry is surfaced instead of silently applied.
	_, err = f.svc.HandleCallback(context.Background(), fakeProviderID, signed(charge(resp.MerchantTradeNo, "ch_1", 1000)))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidTransition)
	assert.Equal(t, paymentdomain.StatusFailed, f.status(t, id).Status)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)

	_, first := f.create(t)
	paid, _ := f.create(t)
	f.complete(t, paid.MerchantTradeNo)

	f.clock.Advance(31 * time.Minute)
	_, fresh := f.create(t)

	expired, err := f.svc.ExpireStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, paymentdomain.StatusFailed, f.status(t, first).Status)
	assert.Equal(t, paymentdomain.StatusPending, f.status(t, fresh).Status)

	f.clock.Advance(2 * time.Minute)
	expired, err = f.svc.ExpireStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, paymentdomain.StatusFailed, f.status(t, fresh).Status)

	expired, err = f.svc.ExpireStale(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestListPaymentsPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.onboard(t)

	_, first := f.create(t)
	paid, second := f.create(t)
	f.complete(t, paid.MerchantTradeNo)
	_, third := f.create(t)

	page, err := f.svc.ListPayments(orgCtx(), paymentdomain.ListPaymentsRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Payments, 2)
	assert.Equal(t, third.String(), page.Payments[0].PaymentID)
	assert.Equal(t, second.String(), page.Payments[1].PaymentID)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	next, err := f.svc.ListPayments(orgCtx(), paymentdomain.ListPaymentsRequest{PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Payments, 1)
	assert.Equal(t, first.String(), next.Payments[0].PaymentID)
	assert.False(t, next.HasMore)
	assert.Empty(t, next.NextPageToken)

	completed, err := f.svc.ListPayments(orgCtx(), paymentdomain.ListPaymentsRequest{Status: "COMPLETED", ResourceID: "reg-1"})
	require.NoError(t, err)
	require.Len(t, completed.Payments, 1)
	assert.Equal(t, int64(1000), completed.Payments[0].FinalAmount)

	other, err := f.svc.ListPayments(orgcontext.WithOrgID(context.Background(), organizerID+1), paymentdomain.ListPaymentsRequest{})
	require.NoError(t, err)
	assert.Empty(t, other.Payments)

	_, err = f.svc.ListPayments(orgCtx(), paymentdomain.ListPaymentsRequest{Status: "settled"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)
	_, err = f.svc.ListPayments(orgCtx(), paymentdomain.ListPaymentsRequest{PageToken: "%%%"})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidRequest)
	_, err = f.svc.ListPayments(context.Background(), paymentdomain.ListPaymentsRequest{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidOrganization)
}

func TestECPayCallbackEndToEnd(t *testing.T) {
	f := newFixture(t)
	_, err := f.providers.Onboard(orgCtx(), providerdomain.UpsertRequest{
		Provider: ecpay.ProviderID,
		Credentials: map[string]any{
			"merchant_id": "3002607",
			"hash_key":    "pwFHCqoQZGmho4w6",
			"hash_iv":     "EkRm7iFT261dpevs",
		},
	})
	require.NoError(t, err)

	resp, id := f.create(t)
	assert.Equal(t, ecpay.ProviderID, resp.ProviderID)
	assert.Equal(t, config.ECPayStageEndpoint, resp.FormAction)
	assert.Equal(t, resp.MerchantTradeNo, resp.FormFields["MerchantTradeNo"])
	assert.Equal(t, "1000", resp.FormFields["TotalAmount"])
	assert.Equal(t, "https://pay.example.com/payments/callback/ecpay", resp.FormFields["ReturnURL"])

	fields := map[string]string{
		"MerchantID":      "3002607",
		"MerchantTradeNo": resp.MerchantTradeNo,
		"RtnCode":         "1",
		"RtnMsg":          "Succeeded",
		"TradeNo":         "2603011030001234",
		"TradeAmt":        "1000",
		"PaymentType":     "Credit_CreditCard",
		"PaymentDate":     "2026/03/01 08:05:00",
		"SimulatePaid":    "0",
	}
	form := func(fields map[string]string) paymentdomain.CallbackData {
		values := url.Values{}
		for key, value := range fields {
			values.Set(key, value)
		}
		values.Set("CheckMacValue", ecpay.CheckMacValue(fields, "pwFHCqoQZGmho4w6", "EkRm7iFT261dpevs"))
		return paymentdomain.CallbackData{Body: []byte(values.Encode()), Form: values}
	}

	simulated := map[string]string{}
	for key, value := range fields {
		simulated[key] = value
	}
	simulated["SimulatePaid"] = "1"
	result, err := f.svc.HandleCallback(context.Background(), ecpay.ProviderID, form(simulated))
	require.NoError(t, err)
	assert.True(t, result.Ignored)
	assert.Equal(t, "1|OK", string(result.Ack.Body))
	assert.Equal(t, paymentdomain.StatusPending, f.status(t, id).Status)
	assert.Empty(t, f.ledgerRows(t, id))

	result, err = f.svc.HandleCallback(context.Background(), "ECPay", form(fields))
	require.NoError(t, err)
	assert.Equal(t, "1|OK", string(result.Ack.Body))
	assert.Equal(t, paymentdomain.StatusCompleted, result.Status)

	replay, err := f.svc.HandleCallback(context.Background(), ecpay.ProviderID, form(fields))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, "1|OK", string(replay.Ack.Body))

	tampered := form(fields)
	tampered.Form.Set("TradeAmt", "1")
	tampered.Body = []byte(tampered.Form.Encode())
	rejected, err := f.svc.HandleCallback(context.Background(), ecpay.ProviderID, tampered)
	assert.ErrorIs(t, err, paymentdomain.ErrCallbackVerification)
	assert.Equal(t, "0|Error", string(rejected.Ack.Body))

	status := f.status(t, id)
	require.NotNil(t, status.PaymentMethod)
	assert.Equal(t, "Credit_CreditCard", *status.PaymentMethod)
	require.Len(t, status.Transactions, 1)
	assert.Equal(t, "2603011030001234", status.Transactions[0].ProviderTransactionID)

	_, err = f.svc.RefundPayment(orgCtx(), id, paymentdomain.RefundRequest{})
	assert.ErrorIs(t, err, paymentdomain.ErrRefundNotSupported)
}
